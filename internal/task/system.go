package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// ErrSubmissionRejected is returned when a task fails submission
// validation. No state is changed. It wraps domain.ErrValidation so
// transport layers can map either sentinel to a client error.
var ErrSubmissionRejected = fmt.Errorf("%w: task submission rejected", domain.ErrValidation)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("task system already started")

// operationSubmitTask is the operation type recorded in the idempotency
// ledger for task submissions.
const operationSubmitTask = "submit_task"

// submissionResult is the payload stored in the idempotency ledger for a
// successful submission.
type submissionResult struct {
	TaskID string `json:"task_id"`
}

// SystemConfig tunes the orchestrator.
type SystemConfig struct {
	// WorkerCount bounds concurrent task execution.
	WorkerCount int

	// QueueSize is the dispatch channel buffer.
	QueueSize int

	// PollInterval drives the fallback dispatcher when no change
	// notification arrives.
	PollInterval time.Duration

	// CleanupInterval drives retention cleanup of terminal tasks.
	CleanupInterval time.Duration

	// Retention is how long completed and cancelled tasks are kept.
	Retention time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight tasks
	// before force-cancelling their executors.
	ShutdownGrace time.Duration
}

// DefaultSystemConfig returns the orchestrator defaults.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		WorkerCount:     10,
		QueueSize:       100,
		PollInterval:    5 * time.Second,
		CleanupInterval: 5 * time.Minute,
		Retention:       24 * time.Hour,
		ShutdownGrace:   30 * time.Second,
	}
}

// Stats is a read-only view of the system's current state.
type Stats struct {
	StatusCounts map[domain.TaskStatus]int `json:"status_counts"`
	InFlight     int                       `json:"in_flight"`
	Monitors     int                       `json:"monitors"`
	Metrics      Snapshot                  `json:"metrics"`
}

// System is the agent task orchestrator. It owns the worker pool, the
// change-feed subscription (with a polling fallback), startup recovery,
// the submission API, and retention cleanup.
type System struct {
	tasks     store.TaskStore
	lifecycle *LifecycleManager
	ledger    *IdempotencyLedger
	registry  *Registry
	metrics   *Metrics
	config    SystemConfig
	logger    *slog.Logger
	now       func() time.Time

	// notifications carries task IDs from the change-feed subscription.
	// Nil means poll-only mode.
	notifications <-chan string

	dispatchCh chan *domain.Task
	wake       chan struct{}

	inFlight      sync.Map // task ID -> struct{}
	inFlightCount atomic.Int64

	// loopCtx stops dispatch and the periodic loops; execCtx is the
	// root of executor invocations and is cancelled only after the
	// shutdown grace elapses, so in-flight work gets a chance to finish.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	group   *errgroup.Group
	started atomic.Bool
}

// NewSystem creates the orchestrator. notifications may be nil, in which
// case dispatch relies entirely on polling.
func NewSystem(
	tasks store.TaskStore,
	lifecycle *LifecycleManager,
	ledger *IdempotencyLedger,
	registry *Registry,
	metrics *Metrics,
	notifications <-chan string,
	config SystemConfig,
	logger *slog.Logger,
) *System {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}

	return &System{
		tasks:         tasks,
		lifecycle:     lifecycle,
		ledger:        ledger,
		registry:      registry,
		metrics:       metrics,
		config:        config,
		logger:        logger.With("component", "task_system"),
		now:           time.Now,
		notifications: notifications,
		dispatchCh:    make(chan *domain.Task, config.QueueSize),
		wake:          make(chan struct{}, 1),
	}
}

// Start recovers orphaned tasks and launches the worker pool and the
// periodic loops. The provided context is used for recovery only; the
// loops run until Stop.
func (s *System) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Timeouts detected by the lifecycle sweep flow through the same
	// retry/dead-letter continuation as executor failures.
	s.lifecycle.SetCompletionHandler(s.finalize)

	recovered, err := s.lifecycle.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("reset orphaned running tasks to pending", "count", recovered)
	}

	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.execCtx, s.execCancel = context.WithCancel(context.Background())

	s.group, _ = errgroup.WithContext(s.loopCtx)
	for i := 0; i < s.config.WorkerCount; i++ {
		workerID := i
		s.group.Go(func() error { return s.worker(workerID) })
	}
	s.group.Go(func() error { return s.runDispatcher() })
	s.group.Go(func() error { return s.lifecycle.Run(s.loopCtx) })
	s.group.Go(func() error { return s.ledger.Run(s.loopCtx) })
	s.group.Go(func() error { return s.runCleanup() })

	s.logger.Info("task system started",
		"worker_count", s.config.WorkerCount,
		"poll_interval", s.config.PollInterval,
		"change_feed", s.notifications != nil)
	return nil
}

// Stop shuts the system down: no new dispatches, periodic loops halted,
// in-flight tasks awaited up to the shutdown grace, then force-cancelled.
// Force-cancelled tasks remain running in the store and are recovered on
// the next startup.
func (s *System) Stop() {
	if !s.started.Load() || s.loopCancel == nil {
		return
	}

	s.logger.Info("stopping task system")
	s.loopCancel()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed, force-cancelling in-flight tasks",
			"in_flight", s.inFlightCount.Load())
		s.execCancel()
		<-done
	}

	s.execCancel()
	s.logger.Info("task system stopped")
}

// Submit validates and persists a new task, deduplicating on the
// idempotency key. Returns the task ID, which for a duplicate submission
// is the ID of the previously created task.
func (s *System) Submit(ctx context.Context, t *domain.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: task is nil", ErrSubmissionRejected)
	}

	s.applyDefaults(t)

	if t.IdempotencyKey != "" && !s.ledger.ValidKey(t.IdempotencyKey) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, t.IdempotencyKey)
	}

	validation := s.lifecycle.ValidateSubmission(ctx, t)
	for _, warning := range validation.Warnings {
		s.logger.Warn("task submission warning", "task_id", t.ID, "warning", warning)
	}
	if !validation.Valid {
		return "", fmt.Errorf("%w: %s", ErrSubmissionRejected, strings.Join(validation.Errors, "; "))
	}

	// Idempotency is checked before any side-effecting persistence:
	// submitting the same key twice returns the same task ID and never
	// creates duplicate work.
	if t.IdempotencyKey != "" {
		if record := s.ledger.Lookup(ctx, t.IdempotencyKey); record != nil {
			var prior submissionResult
			if err := json.Unmarshal(record.Result, &prior); err == nil && prior.TaskID != "" {
				s.logger.Info("duplicate submission deduplicated",
					"idempotency_key", t.IdempotencyKey,
					"task_id", prior.TaskID)
				return prior.TaskID, nil
			}
		}
	}

	if err := s.tasks.Save(ctx, t); err != nil {
		// Two submitters racing on the same key: the unique index wins
		// where the ledger read lost. Return the winner's task ID.
		if store.IsDuplicateError(err) && t.IdempotencyKey != "" {
			if existing, findErr := s.tasks.FindByIdempotencyKey(ctx, t.IdempotencyKey); findErr == nil {
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	if t.IdempotencyKey != "" {
		err := s.ledger.Store(ctx, t.IdempotencyKey, submissionResult{TaskID: t.ID}, operationSubmitTask, 0)
		if err != nil {
			// The task is persisted; a ledger write failure only
			// degrades dedup for this key.
			s.logger.Error("failed to record idempotency result",
				"idempotency_key", t.IdempotencyKey,
				"task_id", t.ID,
				"error", err)
		}
	}

	s.metrics.TaskSubmitted(t.Type, t.AgentKind)
	s.logger.Info("task submitted",
		"task_id", t.ID,
		"task_type", t.Type,
		"agent_kind", t.AgentKind,
		"priority", t.Priority,
		"scheduled_at", t.ScheduledAt)

	s.wakeDispatcher()
	return t.ID, nil
}

// applyDefaults fills in the fields a caller may omit.
func (s *System) applyDefaults(t *domain.Task) {
	now := s.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = domain.TaskStatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	if t.Priority == 0 {
		t.Priority = domain.DefaultPriority
	}
	if t.Timeout == 0 {
		t.Timeout = 5 * time.Minute
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	if t.Retry == (domain.RetryPolicy{}) {
		t.Retry = domain.DefaultRetryPolicy()
	}
}

// Cancel cancels a task that is still pending. Running tasks are not
// preempted; they can only be reaped by the timeout sweep.
func (s *System) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	if _, executing := s.inFlight.Load(taskID); executing {
		return false, nil
	}

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to load task for cancellation: %w", err)
	}
	if t.Status != domain.TaskStatusPending {
		return false, nil
	}

	now := s.now().UTC()
	t.Status = domain.TaskStatusCancelled
	completed := now
	t.CompletedAt = &completed
	t.UpdatedAt = now
	t.Error = &domain.TaskError{Code: "CANCELLED", Message: reason}

	if err := s.tasks.Update(ctx, t); err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	s.logger.Info("task cancelled", "task_id", taskID, "reason", reason)
	return true, nil
}

// GetTask retrieves a task by ID.
func (s *System) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// TasksForItinerary returns all tasks attached to an itinerary, newest
// first. Read-only.
func (s *System) TasksForItinerary(ctx context.Context, itineraryID string) ([]*domain.Task, error) {
	return s.tasks.ListByItinerary(ctx, itineraryID)
}

// GetStats returns a point-in-time view of system state. Read-only;
// storage failures degrade to partial stats.
func (s *System) GetStats(ctx context.Context) Stats {
	stats := Stats{
		InFlight: int(s.inFlightCount.Load()),
		Monitors: s.lifecycle.MonitorCount(),
		Metrics:  s.metrics.Snapshot(),
	}

	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to count tasks by status", "error", err)
		return stats
	}
	stats.StatusCounts = counts
	return stats
}

// wakeDispatcher nudges the dispatcher without blocking.
func (s *System) wakeDispatcher() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runDispatcher serves due pending tasks to the worker pool. It wakes on
// change-feed notifications, on local submissions, and on a poll ticker
// that covers notification gaps and future-scheduled tasks.
func (s *System) runDispatcher() error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	notifications := s.notifications

	// Initial pass picks up work that was pending before startup.
	s.dispatchDue()

	for {
		select {
		case <-s.loopCtx.Done():
			return nil
		case _, ok := <-notifications:
			if !ok {
				// Subscription closed; fall back to polling only.
				s.logger.Warn("change feed closed, dispatch degrades to polling")
				notifications = nil
				continue
			}
			s.dispatchDue()
		case <-s.wake:
			s.dispatchDue()
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

// dispatchDue queries for eligible pending tasks and hands them to the
// worker pool, capped at the free worker capacity.
func (s *System) dispatchDue() {
	free := s.config.WorkerCount - int(s.inFlightCount.Load())
	if free <= 0 {
		return
	}

	now := s.now().UTC()
	due, err := s.tasks.ListPendingDue(s.loopCtx, now, free)
	if err != nil {
		if s.loopCtx.Err() != nil {
			return
		}
		s.logger.Warn("dispatch query failed, degrading to status-only query", "error", err)
		due = s.listDueDegraded(now, free)
	}

	for _, t := range due {
		// A task already tracked as in-flight is never dispatched twice
		// from the same process.
		if _, loaded := s.inFlight.LoadOrStore(t.ID, struct{}{}); loaded {
			continue
		}
		s.inFlightCount.Add(1)

		select {
		case s.dispatchCh <- t:
		default:
			// Queue full; the task stays pending and the next poll
			// picks it up.
			s.inFlight.Delete(t.ID)
			s.inFlightCount.Add(-1)
			return
		}
	}
}

// listDueDegraded is the fallback for stores that cannot serve the
// compound dispatch query: fetch by status alone, then filter and order
// in memory.
func (s *System) listDueDegraded(now time.Time, limit int) []*domain.Task {
	pending, err := s.tasks.ListByStatus(s.loopCtx, domain.TaskStatusPending)
	if err != nil {
		if s.loopCtx.Err() == nil {
			s.logger.Error("degraded dispatch query failed", "error", err)
		}
		return nil
	}

	due := pending[:0]
	for _, t := range pending {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due
}

// worker processes tasks from the dispatch channel until shutdown.
func (s *System) worker(id int) error {
	s.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-s.loopCtx.Done():
			s.logger.Debug("stopping worker", "worker_id", id)
			return nil
		case t, ok := <-s.dispatchCh:
			if !ok {
				return nil
			}
			s.processTask(t, id)
		}
	}
}

// processTask runs a single task through its full lifecycle: mark
// running, monitor, execute, finalize.
func (s *System) processTask(t *domain.Task, workerID int) {
	defer func() {
		s.inFlight.Delete(t.ID)
		s.inFlightCount.Add(-1)
	}()

	ctx := s.execCtx
	log := s.logger.With(
		"task_id", t.ID,
		"task_type", t.Type,
		"agent_kind", t.AgentKind,
		"worker_id", workerID,
	)

	t.MarkRunning(s.now().UTC())
	if err := s.tasks.MarkRunning(ctx, t); err != nil {
		// The stored row left the pending state after the dispatch
		// query, commonly a cancellation racing dispatch. The task is
		// no longer ours to run.
		log.Warn("task no longer pending, skipping", "error", err)
		return
	}

	s.metrics.TaskStarted(t.Type, t.AgentKind)
	s.lifecycle.StartMonitoring(t)
	log.Info("processing task", "attempt", t.Attempt)

	s.execute(ctx, t, log)

	if ctx.Err() != nil && t.Status != domain.TaskStatusCompleted {
		// Forced shutdown interrupted the executor. The row stays
		// running in the store; the next startup resets it to pending.
		log.Warn("shutdown interrupted task, leaving it for startup recovery")
		s.lifecycle.StopMonitoring(t.ID)
		return
	}

	s.finalize(ctx, t)
}

// execute invokes the registered executor and folds its outcome back
// into the task. The executor receives a copy bounded by the task's
// timeout.
func (s *System) execute(ctx context.Context, t *domain.Task, log *slog.Logger) {
	executor, ok := s.registry.Lookup(t.AgentKind)
	if !ok {
		t.Status = domain.TaskStatusFailed
		t.Error = &domain.TaskError{
			Code:    domain.ErrCodeUnknownAgent,
			Message: fmt.Sprintf("no executor registered for agent kind %q", t.AgentKind),
		}
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	updated, err := executor.Execute(execCtx, t.Clone())
	if err != nil {
		code := domain.ErrCodeExecution
		if errors.Is(err, context.DeadlineExceeded) {
			code = domain.ErrCodeTimeout
		}
		log.Error("task execution failed", "error", err, "code", code)

		t.Status = domain.TaskStatusFailed
		t.Error = &domain.TaskError{
			Code:    code,
			Message: "task execution failed",
			Cause:   err.Error(),
		}
		if updated != nil && updated.Error != nil {
			t.Error = updated.Error
		}
		return
	}

	if updated == nil || (updated.Status != domain.TaskStatusCompleted && updated.Status != domain.TaskStatusFailed) {
		t.Status = domain.TaskStatusFailed
		t.Error = &domain.TaskError{
			Code:    domain.ErrCodeExecution,
			Message: "executor returned no terminal status",
		}
		return
	}

	t.Status = updated.Status
	t.Result = updated.Result
	t.Error = updated.Error
}

// finalize persists a task's outcome and applies retry, dead-letter, and
// monitoring teardown. It is the single continuation for executor
// results and sweep-detected timeouts.
func (s *System) finalize(ctx context.Context, t *domain.Task) {
	now := s.now().UTC()

	if t.Status == domain.TaskStatusFailed && t.CanRetry() {
		var duration time.Duration
		if t.StartedAt != nil {
			duration = now.Sub(*t.StartedAt)
		}
		code := domain.ErrCodeExecution
		if t.Error != nil {
			code = t.Error.Code
		}

		s.lifecycle.StopMonitoring(t.ID)
		s.metrics.TaskFailed(t.Type, t.AgentKind, code, duration)

		delay := t.Retry.Backoff(t.Attempt)
		t.Attempt++
		t.CompletedAt = nil
		t.ResetToPending(now, now.Add(delay))

		if err := s.tasks.Update(ctx, t); err != nil {
			s.logger.Error("failed to re-schedule failed task",
				"task_id", t.ID,
				"attempt", t.Attempt,
				"error", err)
			return
		}

		s.metrics.TaskRetried(t.Type, t.AgentKind)
		s.logger.Info("task scheduled for retry",
			"task_id", t.ID,
			"task_type", t.Type,
			"attempt", t.Attempt,
			"max_attempts", t.Retry.MaxAttempts,
			"delay", delay)
		return
	}

	if t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
	t.UpdatedAt = now

	if err := s.tasks.Update(ctx, t); err != nil {
		s.logger.Error("failed to persist final task state",
			"task_id", t.ID,
			"status", t.Status,
			"error", err)
		// Lifecycle handling still runs so monitors and metrics stay
		// consistent; the store row is picked up by recovery.
	}

	s.lifecycle.HandleCompletion(ctx, t)

	if t.Status == domain.TaskStatusCompleted {
		s.logger.Info("task completed successfully",
			"task_id", t.ID,
			"task_type", t.Type,
			"attempt", t.Attempt)
	}
}

// runCleanup deletes terminal tasks older than the retention window.
func (s *System) runCleanup() error {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			return nil
		case <-ticker.C:
			cutoff := s.now().Add(-s.config.Retention)
			deleted, err := s.tasks.DeleteTerminalBefore(s.loopCtx, cutoff)
			if err != nil {
				if s.loopCtx.Err() == nil {
					s.logger.Error("retention cleanup failed", "error", err)
				}
				continue
			}
			if deleted > 0 {
				s.logger.Info("cleaned up old terminal tasks", "deleted", deleted)
			}
		}
	}
}
