package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// ValidationResult reports the outcome of submission validation.
// Structural problems are hard errors; soft constraint violations are
// clamped and reported as warnings.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// monitor tracks one locally dispatched running task. Monitors are
// process-local: each process monitors only what it dispatched.
type monitor struct {
	taskID    string
	timeout   time.Duration
	startTime time.Time
}

// expired reports whether the monitored task's timeout plus grace has
// elapsed without a completion being observed.
func (m *monitor) expired(now time.Time, grace time.Duration) bool {
	return now.Sub(m.startTime) > m.timeout+grace
}

// LifecycleConfig tunes the lifecycle manager's periodic sweep.
type LifecycleConfig struct {
	// SweepInterval is the fixed delay between monitor sweeps.
	SweepInterval time.Duration

	// StaleAfter is how long a running task may go without an update
	// before it is flagged as stale. Stale tasks are logged, not touched.
	StaleAfter time.Duration

	// ZombieAfter is how long a task may stay running before the owning
	// worker is presumed dead and the task is reset to pending.
	ZombieAfter time.Duration

	// MonitorGrace is added to a task's timeout before its monitor is
	// judged expired and discarded.
	MonitorGrace time.Duration
}

// DefaultLifecycleConfig returns the lifecycle defaults.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		SweepInterval: 30 * time.Second,
		StaleAfter:    10 * time.Minute,
		ZombieAfter:   30 * time.Minute,
		MonitorGrace:  1 * time.Minute,
	}
}

// LifecycleManager validates new tasks, tracks per-task monitors for
// locally dispatched work, detects timeout/stale/zombie conditions, and
// routes terminal failures to the dead-letter store.
type LifecycleManager struct {
	tasks       store.TaskStore
	deadLetters store.DeadLetterStore
	ledger      *IdempotencyLedger
	metrics     *Metrics
	config      LifecycleConfig
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	monitors map[string]*monitor

	// completionFn finishes a task the sweep has marked failed. The
	// orchestrator installs its finalize continuation here so timeouts
	// flow through the same retry/dead-letter path as executor failures.
	completionFn func(ctx context.Context, t *domain.Task)
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(
	tasks store.TaskStore,
	deadLetters store.DeadLetterStore,
	ledger *IdempotencyLedger,
	metrics *Metrics,
	config LifecycleConfig,
	logger *slog.Logger,
) *LifecycleManager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.ZombieAfter <= 0 {
		config.ZombieAfter = 30 * time.Minute
	}
	if config.MonitorGrace <= 0 {
		config.MonitorGrace = 1 * time.Minute
	}
	return &LifecycleManager{
		tasks:       tasks,
		deadLetters: deadLetters,
		ledger:      ledger,
		metrics:     metrics,
		config:      config,
		logger:      logger.With("component", "task_lifecycle"),
		now:         time.Now,
		monitors:    make(map[string]*monitor),
	}
}

// SetCompletionHandler installs the continuation invoked for tasks the
// timeout sweep marks failed.
func (lm *LifecycleManager) SetCompletionHandler(fn func(ctx context.Context, t *domain.Task)) {
	lm.completionFn = fn
}

// ValidateSubmission checks a task before it is persisted. Missing
// structural fields reject the submission; out-of-range priority and
// timeout are clamped with a warning. A pre-existing idempotency key is
// a warning only; the actual dedup short-circuit happens at submission.
func (lm *LifecycleManager) ValidateSubmission(ctx context.Context, t *domain.Task) ValidationResult {
	result := ValidationResult{Valid: true}

	if t.ID == "" {
		result.Errors = append(result.Errors, "task ID is required")
	}
	if t.Type == "" {
		result.Errors = append(result.Errors, "task type is required")
	}
	if t.AgentKind == "" {
		result.Errors = append(result.Errors, "agent kind is required")
	}
	if t.ItineraryID == "" {
		result.Errors = append(result.Errors, "itinerary ID is required")
	}
	if t.UserID == "" {
		result.Errors = append(result.Errors, "user ID is required")
	}
	if len(result.Errors) > 0 {
		result.Valid = false
		return result
	}

	if t.Priority < domain.MinPriority {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("priority %d below minimum, clamped to %d", t.Priority, domain.MinPriority))
		t.Priority = domain.MinPriority
	} else if t.Priority > domain.MaxPriority {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("priority %d above maximum, clamped to %d", t.Priority, domain.MaxPriority))
		t.Priority = domain.MaxPriority
	}

	if t.Timeout < domain.MinTaskTimeout {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("timeout %s below minimum, clamped to %s", t.Timeout, domain.MinTaskTimeout))
		t.Timeout = domain.MinTaskTimeout
	} else if t.Timeout > domain.MaxTaskTimeout {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("timeout %s above maximum, clamped to %s", t.Timeout, domain.MaxTaskTimeout))
		t.Timeout = domain.MaxTaskTimeout
	}

	normalized := t.Retry.Normalize()
	if normalized != t.Retry {
		result.Warnings = append(result.Warnings, "retry policy out of bounds, normalized")
		t.Retry = normalized
	}

	if t.IdempotencyKey != "" && lm.ledger != nil {
		if record := lm.ledger.Lookup(ctx, t.IdempotencyKey); record != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("idempotency key %q already has a record", t.IdempotencyKey))
		}
	}

	return result
}

// StartMonitoring registers an in-memory monitor for a task this process
// dispatched.
func (lm *LifecycleManager) StartMonitoring(t *domain.Task) {
	start := lm.now()
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	lm.mu.Lock()
	lm.monitors[t.ID] = &monitor{
		taskID:    t.ID,
		timeout:   t.Timeout,
		startTime: start,
	}
	lm.mu.Unlock()
}

// StopMonitoring removes the monitor for a task, if any.
func (lm *LifecycleManager) StopMonitoring(taskID string) {
	lm.mu.Lock()
	delete(lm.monitors, taskID)
	lm.mu.Unlock()
}

// MonitorCount returns how many tasks are currently monitored.
func (lm *LifecycleManager) MonitorCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.monitors)
}

// HandleCompletion finishes lifecycle handling for a task in a terminal
// state: the monitor is dropped, metrics are recorded, and terminal
// failures are moved to the dead-letter store.
func (lm *LifecycleManager) HandleCompletion(ctx context.Context, t *domain.Task) {
	lm.StopMonitoring(t.ID)

	var duration time.Duration
	if t.StartedAt != nil && t.CompletedAt != nil {
		duration = t.CompletedAt.Sub(*t.StartedAt)
	}

	switch t.Status {
	case domain.TaskStatusCompleted:
		lm.metrics.TaskCompleted(t.Type, t.AgentKind, duration)

	case domain.TaskStatusFailed:
		code := domain.ErrCodeExecution
		if t.Error != nil {
			code = t.Error.Code
		}
		lm.metrics.TaskFailed(t.Type, t.AgentKind, code, duration)

		if !t.CanRetry() {
			lm.deadLetter(ctx, t)
		}
	}
}

// deadLetter archives a terminally failed task and removes it from the
// primary collection.
func (lm *LifecycleManager) deadLetter(ctx context.Context, t *domain.Task) {
	reason := fmt.Sprintf("retry budget exhausted after %d attempts", t.Attempt)
	if t.Error != nil {
		reason = fmt.Sprintf("%s: %s", reason, t.Error.Error())
	}

	if err := lm.deadLetters.Save(ctx, t, reason); err != nil {
		lm.logger.Error("failed to dead-letter task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		// The task stays failed in the primary store, visible to
		// operators. Nothing re-archives it automatically.
		return
	}

	if err := lm.tasks.Delete(ctx, t.ID); err != nil && !store.IsNotFoundError(err) {
		lm.logger.Error("failed to remove dead-lettered task from primary store",
			"task_id", t.ID,
			"error", err)
	}

	lm.metrics.TaskDeadLettered(t.Type, t.AgentKind)
	lm.logger.Warn("task moved to dead letter store",
		"task_id", t.ID,
		"task_type", t.Type,
		"agent_kind", t.AgentKind,
		"attempts", t.Attempt,
		"reason", reason)
}

// RecoverOrphans resets every running task to pending. Called once at
// startup: the process cannot know whether a predecessor crashed
// mid-task, so all running work is assumed orphaned and re-dispatched.
// Task bodies are required to tolerate re-execution.
func (lm *LifecycleManager) RecoverOrphans(ctx context.Context) (int, error) {
	running, err := lm.tasks.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running tasks for recovery: %w", err)
	}

	lm.logger.Info("recovering unfinished tasks", "running_count", len(running))

	recovered := 0
	now := lm.now().UTC()
	for _, t := range running {
		t.ResetToPending(now, now)
		if err := lm.tasks.Update(ctx, t); err != nil {
			lm.logger.Error("failed to reset orphaned task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
			continue
		}
		recovered++
	}

	return recovered, nil
}

// Run performs monitor sweeps on the configured interval until the
// context is cancelled.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(lm.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lm.Sweep(ctx)
		}
	}
}

// Sweep runs the three independent scans over running tasks: timeout,
// stale, and zombie. A failure in one scan does not stop the others.
func (lm *LifecycleManager) Sweep(ctx context.Context) {
	lm.sweepTimeouts(ctx)
	lm.sweepStale(ctx)
	lm.sweepZombies(ctx)
	lm.pruneMonitors()
}

// sweepTimeouts fails running tasks whose own timeout has elapsed.
func (lm *LifecycleManager) sweepTimeouts(ctx context.Context) {
	running, err := lm.tasks.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		lm.logger.Error("timeout sweep query failed", "error", err)
		return
	}

	now := lm.now().UTC()
	for _, t := range running {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) <= t.Timeout {
			continue
		}

		lm.logger.Warn("task exceeded its timeout",
			"task_id", t.ID,
			"task_type", t.Type,
			"timeout", t.Timeout,
			"running_for", now.Sub(*t.StartedAt))

		t.Status = domain.TaskStatusFailed
		completed := now
		t.CompletedAt = &completed
		t.UpdatedAt = now
		t.Error = &domain.TaskError{
			Code:    domain.ErrCodeTimeout,
			Message: fmt.Sprintf("task did not complete within %s", t.Timeout),
		}

		if lm.completionFn != nil {
			lm.completionFn(ctx, t)
			continue
		}

		if err := lm.tasks.Update(ctx, t); err != nil {
			lm.logger.Error("failed to persist timed-out task",
				"task_id", t.ID,
				"error", err)
			continue
		}
		lm.HandleCompletion(ctx, t)
	}
}

// sweepStale logs running tasks that have not been updated recently.
// No state change: an executor may still be legitimately working.
func (lm *LifecycleManager) sweepStale(ctx context.Context) {
	cutoff := lm.now().Add(-lm.config.StaleAfter)
	stale, err := lm.tasks.ListRunningUpdatedBefore(ctx, cutoff)
	if err != nil {
		lm.logger.Error("stale sweep query failed", "error", err)
		return
	}

	for _, t := range stale {
		lm.logger.Warn("running task looks stale",
			"task_id", t.ID,
			"task_type", t.Type,
			"updated_at", t.UpdatedAt,
			"stale_after", lm.config.StaleAfter)
	}
}

// sweepZombies resets tasks that have been running longer than the
// zombie threshold, assuming the original worker died. This is a
// heuristic: two processes racing over the same zombie is possible and
// tolerated because task bodies are idempotent.
func (lm *LifecycleManager) sweepZombies(ctx context.Context) {
	cutoff := lm.now().Add(-lm.config.ZombieAfter)
	zombies, err := lm.tasks.ListRunningStartedBefore(ctx, cutoff)
	if err != nil {
		lm.logger.Error("zombie sweep query failed", "error", err)
		return
	}

	now := lm.now().UTC()
	for _, t := range zombies {
		lm.logger.Warn("resetting zombie task to pending",
			"task_id", t.ID,
			"task_type", t.Type,
			"started_at", t.StartedAt,
			"zombie_after", lm.config.ZombieAfter)

		t.ResetToPending(now, now)
		if err := lm.tasks.Update(ctx, t); err != nil {
			lm.logger.Error("failed to reset zombie task",
				"task_id", t.ID,
				"error", err)
			continue
		}
		lm.StopMonitoring(t.ID)
	}
}

// pruneMonitors discards monitors whose task never reported completion
// within timeout plus grace. The store-backed sweeps own the actual
// state transitions; the monitor map must not grow unbounded.
func (lm *LifecycleManager) pruneMonitors() {
	now := lm.now()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for id, m := range lm.monitors {
		if m.expired(now, lm.config.MonitorGrace) {
			lm.logger.Debug("discarding expired task monitor", "task_id", id)
			delete(lm.monitors, id)
		}
	}
}
