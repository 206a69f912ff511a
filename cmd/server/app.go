package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wanderplan/wanderplan-api/internal/config"
	"github.com/wanderplan/wanderplan-api/internal/events"
	"github.com/wanderplan/wanderplan-api/internal/platform/postgres"
	"github.com/wanderplan/wanderplan-api/internal/store"
	"github.com/wanderplan/wanderplan-api/internal/task"
)

// application holds the shared application dependencies so wiring and
// shutdown live in one place.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore        store.TaskStore
	idempotencyStore store.IdempotencyStore
	deadLetterStore  store.DeadLetterStore

	registry     *task.Registry
	metrics      *task.Metrics
	promRegistry *prometheus.Registry

	listener   *postgres.Listener
	taskSystem *task.System

	eventEmitter events.EventEmitter

	// listenerCancel stops the LISTEN session; separate from the task
	// system's own shutdown so the subscription closes first.
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}
}

// newApplication wires every dependency and starts the task engine.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewTaskStore(db)
	app.idempotencyStore = postgres.NewIdempotencyStore(db)
	app.deadLetterStore = postgres.NewDeadLetterStore(db)

	app.promRegistry = prometheus.NewRegistry()
	app.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = task.NewMetrics(app.promRegistry)

	app.registry = task.NewRegistry()
	registerExecutors(app.registry, logger)
	logger.Info("agent executors registered", "kinds", app.registry.Kinds())

	ledger := task.NewIdempotencyLedger(app.idempotencyStore, task.LedgerConfig{
		DefaultTTL:    cfg.Idempotency.DefaultTTL,
		SweepInterval: cfg.Idempotency.SweepInterval,
	}, logger)

	lifecycle := task.NewLifecycleManager(
		app.taskStore,
		app.deadLetterStore,
		ledger,
		app.metrics,
		task.LifecycleConfig{
			SweepInterval: cfg.Tasks.SweepInterval,
			StaleAfter:    cfg.Tasks.StaleAfter,
			ZombieAfter:   cfg.Tasks.ZombieAfter,
		},
		logger,
	)

	// The LISTEN session runs on its own context so it can outlive a
	// failed startup cleanly and stop ahead of the engine on shutdown.
	listenerCtx, listenerCancel := context.WithCancel(context.Background())
	app.listener = postgres.NewListener(cfg.Database.URL, logger)
	app.listenerCancel = listenerCancel
	app.listenerDone = make(chan struct{})
	go func() {
		defer close(app.listenerDone)
		_ = app.listener.Run(listenerCtx)
	}()

	app.taskSystem = task.NewSystem(
		app.taskStore,
		lifecycle,
		ledger,
		app.registry,
		app.metrics,
		app.listener.Notifications(),
		task.SystemConfig{
			WorkerCount:     cfg.Tasks.WorkerCount,
			QueueSize:       cfg.Tasks.QueueSize,
			PollInterval:    cfg.Tasks.PollInterval,
			CleanupInterval: cfg.Tasks.CleanupInterval,
			Retention:       cfg.Tasks.Retention,
			ShutdownGrace:   cfg.Tasks.ShutdownGrace,
		},
		logger,
	)

	if err := app.taskSystem.Start(ctx); err != nil {
		listenerCancel()
		return nil, fmt.Errorf("failed to start task system: %w", err)
	}

	// Event bridge: the rest of the backend requests agent work through
	// the emitter, never by holding the task system directly.
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(task.NewRequestEventHandler(app.taskSystem, logger))
	app.eventEmitter = emitter

	logger.Info("application initialized")
	return app, nil
}

// Run serves the ops router until the context is cancelled, then shuts
// everything down in order.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup releases application resources: subscription first so no new
// dispatch wakeups arrive, then the engine, then the database.
func (app *application) cleanup() {
	if app.listenerCancel != nil {
		app.listenerCancel()
		<-app.listenerDone
	}

	if app.taskSystem != nil {
		app.taskSystem.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
