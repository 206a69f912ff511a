// Package store provides abstractions and implementations for data persistence.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
)

// TaskStore defines the interface for persisting agent tasks. The durable
// store is the single source of truth for task state; in-memory maps held
// by the orchestrator and lifecycle manager are process-local conveniences.
type TaskStore interface {
	// Save persists a new task. Returns ErrTaskExists when a task with
	// the same ID is already present.
	Save(ctx context.Context, task *domain.Task) error

	// Update overwrites the stored document for the task's ID.
	// Returns ErrTaskNotFound when no such task exists.
	Update(ctx context.Context, task *domain.Task) error

	// MarkRunning persists the task's pending-to-running transition,
	// guarded on the stored row still being pending. Returns
	// ErrUpdateFailed when the row is absent or has left the pending
	// state, for example because a cancellation raced dispatch.
	MarkRunning(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by ID. Returns ErrTaskNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Task, error)

	// ListPendingDue retrieves pending tasks whose scheduled_at is not
	// after now, ordered by priority descending then scheduled_at
	// ascending, capped at limit. Implementations that cannot satisfy
	// the compound ordering server-side should return
	// ErrQueryUnsupported so callers can fall back to ListByStatus.
	ListPendingDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ListByStatus retrieves all tasks with the given status.
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)

	// ListRunningStartedBefore retrieves running tasks whose started_at
	// is before the cutoff.
	ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// ListRunningUpdatedBefore retrieves running tasks whose updated_at
	// is before the cutoff.
	ListRunningUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// ListByItinerary retrieves all tasks attached to an itinerary,
	// newest first.
	ListByItinerary(ctx context.Context, itineraryID string) ([]*domain.Task, error)

	// FindByIdempotencyKey retrieves the task created under the given
	// idempotency key, or ErrTaskNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error)

	// Delete removes a task document. Returns ErrTaskNotFound when absent.
	Delete(ctx context.Context, id string) error

	// DeleteTerminalBefore removes completed and cancelled tasks whose
	// updated_at is before the cutoff, returning how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	// WithTx returns a new TaskStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}

// IdempotencyStore persists idempotency records keyed by the
// caller-supplied idempotency key.
type IdempotencyStore interface {
	// Get retrieves the record for a key, or ErrIdempotencyRecordNotFound.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Put stores the record, overwriting any existing record under the
	// same key (last-writer-wins).
	Put(ctx context.Context, record *domain.IdempotencyRecord) error

	// Delete removes the record for a key. Deleting an absent key is a
	// no-op.
	Delete(ctx context.Context, key string) error

	// DeleteExpired removes all records whose expires_at is before now,
	// returning how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// DeadLetterStore receives tasks that exhausted their retry budget.
// It is write-only from the engine's perspective; operational tooling
// reads it out-of-band.
type DeadLetterStore interface {
	// Save records a terminally failed task together with the reason it
	// was dead-lettered.
	Save(ctx context.Context, task *domain.Task, reason string) error
}
