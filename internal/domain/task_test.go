package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
	}

	testCases := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first attempt", 1, 1 * time.Second},
		{"second attempt doubles", 2, 2 * time.Second},
		{"third attempt doubles again", 3, 4 * time.Second},
		{"fourth attempt", 4, 8 * time.Second},
		{"fifth attempt capped", 5, 10 * time.Second},
		{"far beyond cap stays at cap", 20, 10 * time.Second},
		{"zero attempt treated as first", 0, 1 * time.Second},
		{"negative attempt treated as first", -3, 1 * time.Second},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, policy.Backoff(tc.attempt))
		})
	}
}

func TestRetryPolicy_Normalize(t *testing.T) {
	t.Parallel()

	t.Run("in-range policy unchanged", func(t *testing.T) {
		t.Parallel()
		policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
		assert.Equal(t, policy, policy.Normalize())
	})

	t.Run("zero values clamped up", func(t *testing.T) {
		t.Parallel()
		normalized := RetryPolicy{}.Normalize()
		assert.Equal(t, 1, normalized.MaxAttempts)
		assert.Equal(t, MinRetryBaseDelay, normalized.BaseDelay)
		assert.Equal(t, MaxRetryDelay, normalized.MaxDelay)
	})

	t.Run("excessive values clamped down", func(t *testing.T) {
		t.Parallel()
		normalized := RetryPolicy{
			MaxAttempts: 100,
			BaseDelay:   time.Second,
			MaxDelay:    48 * time.Hour,
		}.Normalize()
		assert.Equal(t, MaxRetryAttempts, normalized.MaxAttempts)
		assert.Equal(t, MaxRetryDelay, normalized.MaxDelay)
	})

	t.Run("max delay raised to base delay", func(t *testing.T) {
		t.Parallel()
		normalized := RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Minute,
			MaxDelay:    time.Second,
		}.Normalize()
		assert.Equal(t, time.Minute, normalized.MaxDelay)
	})
}

func TestTask_CanRetry(t *testing.T) {
	t.Parallel()

	task := NewTask("itinerary_generation", "planner", "itin-1", "user-1")
	task.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	task.Attempt = 1
	assert.True(t, task.CanRetry())

	task.Attempt = 2
	assert.True(t, task.CanRetry())

	task.Attempt = 3
	assert.False(t, task.CanRetry(), "final attempt exhausts the budget")
}

func TestTask_Due(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	task := NewTask("itinerary_generation", "planner", "itin-1", "user-1")

	task.ScheduledAt = now.Add(-time.Second)
	assert.True(t, task.Due(now))

	task.ScheduledAt = now
	assert.True(t, task.Due(now), "a task scheduled exactly now is due")

	task.ScheduledAt = now.Add(time.Second)
	assert.False(t, task.Due(now))
}

func TestTask_Transitions(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	task := NewTask("itinerary_generation", "planner", "itin-1", "user-1")

	task.MarkRunning(now)
	assert.Equal(t, TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, now, *task.StartedAt)
	assert.Equal(t, now, task.UpdatedAt)

	later := now.Add(time.Minute)
	scheduled := later.Add(5 * time.Second)
	task.ResetToPending(later, scheduled)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Nil(t, task.StartedAt, "running-only fields are cleared")
	assert.Equal(t, scheduled, task.ScheduledAt)
	assert.Equal(t, later, task.UpdatedAt)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	assert.False(t, TaskStatusFailed.IsTerminal(), "failed may still re-enter the retry loop")
}

func TestTaskStatus_Valid(t *testing.T) {
	t.Parallel()

	for _, s := range []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled,
	} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, TaskStatus("queued").Valid())
	assert.False(t, TaskStatus("").Valid())
}

func TestTask_Clone(t *testing.T) {
	t.Parallel()

	task := NewTask("itinerary_generation", "planner", "itin-1", "user-1")
	task.MarkRunning(time.Now().UTC())
	task.Payload = json.RawMessage(`{"destination":"Lisbon"}`)
	task.Error = &TaskError{Code: ErrCodeExecution, Message: "boom"}

	clone := task.Clone()
	require.Equal(t, task, clone)

	// Mutating the clone must not reach back into the original.
	clone.Status = TaskStatusFailed
	*clone.StartedAt = clone.StartedAt.Add(time.Hour)
	clone.Error.Code = ErrCodeTimeout
	clone.Payload[2] = 'x'

	assert.Equal(t, TaskStatusRunning, task.Status)
	assert.Equal(t, ErrCodeExecution, task.Error.Code)
	assert.Equal(t, json.RawMessage(`{"destination":"Lisbon"}`), task.Payload)
	assert.NotEqual(t, *task.StartedAt, *clone.StartedAt)
}

func TestTaskError_Error(t *testing.T) {
	t.Parallel()

	withCause := &TaskError{Code: ErrCodeExecution, Message: "task execution failed", Cause: "dial timeout"}
	assert.Equal(t, "EXECUTION_ERROR: task execution failed (dial timeout)", withCause.Error())

	withoutCause := &TaskError{Code: ErrCodeTimeout, Message: "task did not complete within 5m0s"}
	assert.Equal(t, "TIMEOUT: task did not complete within 5m0s", withoutCause.Error())
}

func TestNewTask_Defaults(t *testing.T) {
	t.Parallel()

	task := NewTask("poi_enrichment", "researcher", "itin-9", "user-9")

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, 5*time.Minute, task.Timeout)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, DefaultRetryPolicy(), task.Retry)
	assert.False(t, task.ScheduledAt.After(time.Now().UTC()))
}
