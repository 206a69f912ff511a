package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of an agent task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
// except the failed→pending retry loop, which is handled explicitly
// by the orchestrator.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Valid reports whether s is one of the defined task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Bounds for soft task constraints. Out-of-range values submitted by
// callers are clamped, not rejected.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	MinTaskTimeout = 1 * time.Second
	MaxTaskTimeout = 1 * time.Hour
)

// Retry policy bounds.
const (
	MaxRetryAttempts  = 10
	MinRetryBaseDelay = 100 * time.Millisecond
	MaxRetryDelay     = 1 * time.Hour
)

// RetryPolicy controls how many times a failed task is re-scheduled and
// how far apart the attempts are spaced.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay_ms"`
	MaxDelay    time.Duration `json:"max_delay_ms"`
}

// DefaultRetryPolicy returns the policy applied to tasks submitted
// without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Normalize clamps the policy fields to their allowed bounds.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts > MaxRetryAttempts {
		p.MaxAttempts = MaxRetryAttempts
	}
	if p.BaseDelay < MinRetryBaseDelay {
		p.BaseDelay = MinRetryBaseDelay
	}
	if p.MaxDelay <= 0 || p.MaxDelay > MaxRetryDelay {
		p.MaxDelay = MaxRetryDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay to apply before the given attempt number
// (1-based). The delay doubles with each attempt and is capped at
// MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// TaskError captures why a task execution failed. Code is a stable
// machine-readable identifier used for retry and dead-letter decisions;
// Cause carries the underlying error text when one exists.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Well-known task error codes produced by the engine itself.
// Executors supply their own codes for domain failures.
const (
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeUnknownAgent = "UNKNOWN_AGENT"
	ErrCodeExecution    = "EXECUTION_ERROR"
)

// Task is the unit of asynchronous agent work. It is the single
// authoritative record of a work item's identity, scheduling, lifecycle
// and outcome; the durable store holds one document per task.
type Task struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Type      string `json:"type"`
	AgentKind string `json:"agent_kind"`

	ItineraryID string `json:"itinerary_id"`
	UserID      string `json:"user_id"`

	Priority    int           `json:"priority"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Timeout     time.Duration `json:"timeout_ms"`

	Status TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Attempt int         `json:"attempt"`
	Retry   RetryPolicy `json:"retry"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
}

// NewTask creates a pending task with defaults applied. The ID is
// generated when the caller did not supply one.
func NewTask(taskType, agentKind, itineraryID, userID string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		AgentKind:   agentKind,
		ItineraryID: itineraryID,
		UserID:      userID,
		Priority:    DefaultPriority,
		ScheduledAt: now,
		Timeout:     5 * time.Minute,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempt:     1,
		Retry:       DefaultRetryPolicy(),
	}
}

// CanRetry reports whether a failed task has attempts left in its
// retry budget.
func (t *Task) CanRetry() bool {
	return t.Attempt < t.Retry.Normalize().MaxAttempts
}

// Due reports whether the task is eligible to run at the given instant.
func (t *Task) Due(now time.Time) bool {
	return !t.ScheduledAt.After(now)
}

// MarkRunning transitions the task to running and stamps StartedAt.
func (t *Task) MarkRunning(now time.Time) {
	t.Status = TaskStatusRunning
	started := now
	t.StartedAt = &started
	t.UpdatedAt = now
}

// ResetToPending returns the task to the pending state, clearing the
// running-only fields. Used by zombie recovery and retry scheduling.
func (t *Task) ResetToPending(now, scheduledAt time.Time) {
	t.Status = TaskStatusPending
	t.StartedAt = nil
	t.ScheduledAt = scheduledAt
	t.UpdatedAt = now
}

// Clone returns a deep copy of the task. The orchestrator hands copies
// to executors so a misbehaving executor cannot mutate shared state.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}
