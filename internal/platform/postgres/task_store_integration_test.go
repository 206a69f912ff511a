package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/platform/postgres"
	"github.com/wanderplan/wanderplan-api/internal/store"
	"github.com/wanderplan/wanderplan-api/internal/testdb"
)

func newStoredTask(priority int, scheduledAt time.Time) *domain.Task {
	t := domain.NewTask("itinerary_generation", "planner", "itin-1", "user-1")
	t.Priority = priority
	t.ScheduledAt = scheduledAt
	return t
}

func TestTaskStore_Integration(t *testing.T) {
	db := testdb.Connect(t)
	testdb.Truncate(t, db, "tasks", "idempotency_records", "dead_letter_tasks")

	taskStore := postgres.NewTaskStore(db)
	ctx := context.Background()

	t.Run("save and get round-trip", func(t *testing.T) {
		task := newStoredTask(7, time.Now().UTC())
		task.IdempotencyKey = "round-trip"
		task.Payload = []byte(`{"destination":"Lisbon"}`)

		require.NoError(t, taskStore.Save(ctx, task))

		loaded, err := taskStore.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, loaded.ID)
		assert.Equal(t, task.IdempotencyKey, loaded.IdempotencyKey)
		assert.Equal(t, domain.TaskStatusPending, loaded.Status)
		assert.Equal(t, 7, loaded.Priority)
		assert.Equal(t, task.Timeout, loaded.Timeout)
		assert.Equal(t, task.Retry, loaded.Retry)
		assert.JSONEq(t, `{"destination":"Lisbon"}`, string(loaded.Payload))
		assert.Nil(t, loaded.Error)
	})

	t.Run("duplicate ID is rejected", func(t *testing.T) {
		task := newStoredTask(5, time.Now().UTC())
		require.NoError(t, taskStore.Save(ctx, task))

		err := taskStore.Save(ctx, task)
		assert.ErrorIs(t, err, store.ErrTaskExists)
	})

	t.Run("duplicate idempotency key is rejected", func(t *testing.T) {
		first := newStoredTask(5, time.Now().UTC())
		first.IdempotencyKey = "unique-key"
		require.NoError(t, taskStore.Save(ctx, first))

		second := newStoredTask(5, time.Now().UTC())
		second.IdempotencyKey = "unique-key"
		err := taskStore.Save(ctx, second)
		assert.ErrorIs(t, err, store.ErrTaskExists)

		found, err := taskStore.FindByIdempotencyKey(ctx, "unique-key")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
	})

	t.Run("empty idempotency keys do not collide", func(t *testing.T) {
		require.NoError(t, taskStore.Save(ctx, newStoredTask(5, time.Now().UTC())))
		require.NoError(t, taskStore.Save(ctx, newStoredTask(5, time.Now().UTC())))
	})

	t.Run("pending due honors order and limit", func(t *testing.T) {
		testdb.Truncate(t, db, "tasks")

		now := time.Now().UTC()
		low := newStoredTask(2, now.Add(-2*time.Second))
		high := newStoredTask(9, now.Add(-time.Second))
		future := newStoredTask(9, now.Add(time.Hour))
		for _, task := range []*domain.Task{low, high, future} {
			require.NoError(t, taskStore.Save(ctx, task))
		}

		due, err := taskStore.ListPendingDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2, "future task is not due")
		assert.Equal(t, high.ID, due[0].ID, "higher priority first")
		assert.Equal(t, low.ID, due[1].ID)

		due, err = taskStore.ListPendingDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, high.ID, due[0].ID)
	})

	t.Run("update persists lifecycle fields", func(t *testing.T) {
		task := newStoredTask(5, time.Now().UTC())
		require.NoError(t, taskStore.Save(ctx, task))

		now := time.Now().UTC().Truncate(time.Millisecond)
		task.MarkRunning(now)
		task.Error = &domain.TaskError{Code: domain.ErrCodeExecution, Message: "boom", Cause: "dial timeout"}
		require.NoError(t, taskStore.Update(ctx, task))

		loaded, err := taskStore.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, loaded.Status)
		require.NotNil(t, loaded.StartedAt)
		assert.WithinDuration(t, now, *loaded.StartedAt, time.Millisecond)
		require.NotNil(t, loaded.Error)
		assert.Equal(t, "dial timeout", loaded.Error.Cause)
	})

	t.Run("update of missing task reports not found", func(t *testing.T) {
		ghost := newStoredTask(5, time.Now().UTC())
		err := taskStore.Update(ctx, ghost)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("mark running is guarded on the pending status", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)

		task := newStoredTask(5, now)
		require.NoError(t, taskStore.Save(ctx, task))
		task.MarkRunning(now)
		require.NoError(t, taskStore.MarkRunning(ctx, task))

		loaded, err := taskStore.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, loaded.Status)
		require.NotNil(t, loaded.StartedAt)
		assert.WithinDuration(t, now, *loaded.StartedAt, time.Millisecond)

		cancelled := newStoredTask(5, now)
		require.NoError(t, taskStore.Save(ctx, cancelled))
		cancelled.Status = domain.TaskStatusCancelled
		require.NoError(t, taskStore.Update(ctx, cancelled))

		stale := cancelled.Clone()
		stale.MarkRunning(now)
		err = taskStore.MarkRunning(ctx, stale)
		assert.ErrorIs(t, err, store.ErrUpdateFailed)

		loaded, err = taskStore.Get(ctx, cancelled.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, loaded.Status, "guarded update must not overwrite a cancelled row")
	})

	t.Run("running scans filter on their timestamps", func(t *testing.T) {
		testdb.Truncate(t, db, "tasks")

		now := time.Now().UTC()
		old := newStoredTask(5, now)
		old.MarkRunning(now.Add(-time.Hour))
		old.UpdatedAt = now.Add(-time.Hour)
		require.NoError(t, taskStore.Save(ctx, old))

		fresh := newStoredTask(5, now)
		fresh.MarkRunning(now)
		require.NoError(t, taskStore.Save(ctx, fresh))

		started, err := taskStore.ListRunningStartedBefore(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, started, 1)
		assert.Equal(t, old.ID, started[0].ID)

		updated, err := taskStore.ListRunningUpdatedBefore(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, old.ID, updated[0].ID)
	})

	t.Run("terminal cleanup deletes only old completed and cancelled", func(t *testing.T) {
		testdb.Truncate(t, db, "tasks")

		now := time.Now().UTC()
		oldCompleted := newStoredTask(5, now)
		oldCompleted.Status = domain.TaskStatusCompleted
		oldCompleted.UpdatedAt = now.Add(-48 * time.Hour)
		require.NoError(t, taskStore.Save(ctx, oldCompleted))

		oldFailed := newStoredTask(5, now)
		oldFailed.Status = domain.TaskStatusFailed
		oldFailed.UpdatedAt = now.Add(-48 * time.Hour)
		require.NoError(t, taskStore.Save(ctx, oldFailed))

		recentCompleted := newStoredTask(5, now)
		recentCompleted.Status = domain.TaskStatusCompleted
		require.NoError(t, taskStore.Save(ctx, recentCompleted))

		deleted, err := taskStore.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		counts, err := taskStore.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.TaskStatusCompleted])
		assert.Equal(t, 1, counts[domain.TaskStatusFailed])
	})

	t.Run("transactional save rolls back cleanly", func(t *testing.T) {
		testdb.Truncate(t, db, "tasks")

		task := newStoredTask(5, time.Now().UTC())
		testdb.WithTx(t, db, func(tx *sql.Tx) {
			txStore := taskStore.WithTx(tx)
			require.NoError(t, txStore.Save(ctx, task))

			loaded, err := txStore.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.ID, loaded.ID)
		})

		// Rolled back: the task never reached the table.
		_, err := taskStore.Get(ctx, task.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("dead-letter archive and delete commit atomically", func(t *testing.T) {
		testdb.Truncate(t, db, "tasks", "dead_letter_tasks")

		task := newStoredTask(5, time.Now().UTC())
		task.Status = domain.TaskStatusFailed
		require.NoError(t, taskStore.Save(ctx, task))

		err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			if err := postgres.NewDeadLetterStore(tx).Save(ctx, task, "retry budget exhausted"); err != nil {
				return err
			}
			return taskStore.WithTx(tx).Delete(ctx, task.ID)
		})
		require.NoError(t, err)

		_, err = taskStore.Get(ctx, task.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)

		var count int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM dead_letter_tasks WHERE id = $1`, task.ID).Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestIdempotencyStore_Integration(t *testing.T) {
	db := testdb.Connect(t)
	testdb.Truncate(t, db, "idempotency_records")

	records := postgres.NewIdempotencyStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	record := &domain.IdempotencyRecord{
		Key:           "submit-1",
		Result:        []byte(`{"task_id":"task-1"}`),
		OperationType: "submit_task",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, records.Put(ctx, record))

	loaded, err := records.Get(ctx, "submit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(loaded.Result))

	_, err = records.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrIdempotencyRecordNotFound)

	// Upsert: a second Put under the same key overwrites.
	record.Result = []byte(`{"task_id":"task-2"}`)
	require.NoError(t, records.Put(ctx, record))
	loaded, err = records.Get(ctx, "submit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"task-2"}`, string(loaded.Result))

	expired := &domain.IdempotencyRecord{
		Key:           "stale",
		Result:        []byte(`{}`),
		OperationType: "submit_task",
		CreatedAt:     now.Add(-2 * time.Hour),
		ExpiresAt:     now.Add(-time.Hour),
	}
	require.NoError(t, records.Put(ctx, expired))

	deleted, err := records.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestDeadLetterStore_Integration(t *testing.T) {
	db := testdb.Connect(t)
	testdb.Truncate(t, db, "dead_letter_tasks")

	deadLetters := postgres.NewDeadLetterStore(db)
	ctx := context.Background()

	task := newStoredTask(5, time.Now().UTC())
	task.Status = domain.TaskStatusFailed
	task.Error = &domain.TaskError{Code: domain.ErrCodeTimeout, Message: "task did not complete within 5m0s"}

	require.NoError(t, deadLetters.Save(ctx, task, "retry budget exhausted after 3 attempts"))

	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM dead_letter_tasks WHERE id = $1`, task.ID).Scan(&count))
	assert.Equal(t, 1, count)
}
