// Package postgres implements the store interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/platform/logger"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// taskColumns is the column list shared by every task SELECT.
const taskColumns = `id, idempotency_key, type, agent_kind, itinerary_id, user_id,
	priority, scheduled_at, timeout_ms, status, attempt, max_attempts,
	base_delay_ms, max_delay_ms, payload, result, error_code, error_message,
	error_cause, created_at, started_at, completed_at, updated_at`

// TaskStore implements the store.TaskStore interface using PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a new TaskStore instance that uses the provided transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx}
}

// Save persists a new task to the database.
func (s *TaskStore) Save(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err := s.db.ExecContext(ctx, query, taskArgs(task)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
		}
		log.Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", err)
	}

	return nil
}

// Update overwrites the stored document for the task's ID.
func (s *TaskStore) Update(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET idempotency_key = $2, type = $3, agent_kind = $4, itinerary_id = $5,
			user_id = $6, priority = $7, scheduled_at = $8, timeout_ms = $9,
			status = $10, attempt = $11, max_attempts = $12, base_delay_ms = $13,
			max_delay_ms = $14, payload = $15, result = $16, error_code = $17,
			error_message = $18, error_cause = $19, created_at = $20,
			started_at = $21, completed_at = $22, updated_at = $23
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, taskArgs(task)...)
	if err != nil {
		log.Error("failed to update task",
			"task_id", task.ID,
			"status", task.Status,
			"error", err)
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, task.ID)
	}

	return nil
}

// MarkRunning persists the pending-to-running transition. The status
// guard in the WHERE clause makes the transition conditional: a task
// cancelled after it was queried for dispatch stays cancelled, and the
// worker learns it lost the race from ErrUpdateFailed.
func (s *TaskStore) MarkRunning(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks
		SET status = $2, started_at = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		task.ID, task.Status, task.StartedAt, task.UpdatedAt, domain.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: task %s is no longer pending", store.ErrUpdateFailed, task.ID)
	}

	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListPendingDue retrieves due pending tasks in dispatch order.
func (s *TaskStore) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $3
	`
	return s.queryTasks(ctx, query, domain.TaskStatusPending, now.UTC(), limit)
}

// ListByStatus retrieves all tasks with the given status.
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`
	return s.queryTasks(ctx, query, status)
}

// ListRunningStartedBefore retrieves running tasks whose started_at is
// before the cutoff.
func (s *TaskStore) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2
	`
	return s.queryTasks(ctx, query, domain.TaskStatusRunning, cutoff.UTC())
}

// ListRunningUpdatedBefore retrieves running tasks whose updated_at is
// before the cutoff.
func (s *TaskStore) ListRunningUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND updated_at < $2
	`
	return s.queryTasks(ctx, query, domain.TaskStatusRunning, cutoff.UTC())
}

// ListByItinerary retrieves all tasks attached to an itinerary, newest first.
func (s *TaskStore) ListByItinerary(ctx context.Context, itineraryID string) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE itinerary_id = $1 ORDER BY created_at DESC`
	return s.queryTasks(ctx, query, itineraryID)
}

// FindByIdempotencyKey retrieves the task created under the given key.
func (s *TaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: idempotency key %q", store.ErrTaskNotFound, key)
		}
		return nil, fmt.Errorf("failed to find task by idempotency key: %w", err)
	}
	return task, nil
}

// Delete removes a task document.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// DeleteTerminalBefore removes completed and cancelled tasks older than
// the cutoff.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM tasks WHERE status = ANY($1) AND updated_at < $2`

	result, err := s.db.ExecContext(ctx, query,
		[]string{string(domain.TaskStatusCompleted), string(domain.TaskStatusCancelled)},
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// CountByStatus returns the number of tasks per status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// queryTasks runs a multi-row task query and scans the results.
func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row into a domain.Task.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t            domain.Task
		timeoutMs    int64
		baseDelayMs  int64
		maxDelayMs   int64
		payload      []byte
		result       []byte
		errorCode    sql.NullString
		errorMessage sql.NullString
		errorCause   sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.Type, &t.AgentKind, &t.ItineraryID,
		&t.UserID, &t.Priority, &t.ScheduledAt, &timeoutMs, &t.Status,
		&t.Attempt, &t.Retry.MaxAttempts, &baseDelayMs, &maxDelayMs,
		&payload, &result, &errorCode, &errorMessage, &errorCause,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, t.Status)
	}

	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.Retry.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	t.Retry.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	t.Payload = payload
	t.Result = result

	if errorCode.Valid && errorCode.String != "" {
		t.Error = &domain.TaskError{
			Code:    errorCode.String,
			Message: errorMessage.String,
			Cause:   errorCause.String,
		}
	}
	if startedAt.Valid {
		started := startedAt.Time
		t.StartedAt = &started
	}
	if completedAt.Valid {
		completed := completedAt.Time
		t.CompletedAt = &completed
	}

	return &t, nil
}

// taskArgs flattens a task into the positional arguments used by Save
// and Update. The argument order matches taskColumns.
func taskArgs(t *domain.Task) []any {
	var errorCode, errorMessage, errorCause sql.NullString
	if t.Error != nil {
		errorCode = sql.NullString{String: t.Error.Code, Valid: true}
		errorMessage = sql.NullString{String: t.Error.Message, Valid: true}
		errorCause = sql.NullString{String: t.Error.Cause, Valid: t.Error.Cause != ""}
	}

	var startedAt, completedAt sql.NullTime
	if t.StartedAt != nil {
		startedAt = sql.NullTime{Time: t.StartedAt.UTC(), Valid: true}
	}
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
	}

	var payload, result any
	if t.Payload != nil {
		payload = []byte(t.Payload)
	}
	if t.Result != nil {
		result = []byte(t.Result)
	}

	return []any{
		t.ID, t.IdempotencyKey, t.Type, t.AgentKind, t.ItineraryID, t.UserID,
		t.Priority, t.ScheduledAt.UTC(), t.Timeout.Milliseconds(), t.Status,
		t.Attempt, t.Retry.MaxAttempts, t.Retry.BaseDelay.Milliseconds(),
		t.Retry.MaxDelay.Milliseconds(), payload, result, errorCode,
		errorMessage, errorCause, t.CreatedAt.UTC(), startedAt, completedAt,
		t.UpdatedAt.UTC(),
	}
}
