package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/events"
)

// mockSubmitter records submitted tasks and returns a canned response.
type mockSubmitter struct {
	submitted []*domain.Task
	err       error
}

func (m *mockSubmitter) Submit(ctx context.Context, t *domain.Task) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.submitted = append(m.submitted, t)
	return t.ID, nil
}

func TestRequestEventHandler_HandleEvent(t *testing.T) {
	t.Parallel()

	t.Run("event fields map onto the submitted task", func(t *testing.T) {
		t.Parallel()

		submitter := &mockSubmitter{}
		handler := NewRequestEventHandler(submitter, newTestLogger())

		event, err := events.NewAgentTaskRequested(
			"itinerary_generation", "planner", "itin-1", "user-1",
			map[string]string{"destination": "Lisbon"})
		require.NoError(t, err)
		event.IdempotencyKey = "gen-itin-1-v1"
		event.Priority = 8

		require.NoError(t, handler.HandleEvent(context.Background(), event))
		require.Len(t, submitter.submitted, 1)

		task := submitter.submitted[0]
		assert.Equal(t, "itinerary_generation", task.Type)
		assert.Equal(t, "planner", task.AgentKind)
		assert.Equal(t, "itin-1", task.ItineraryID)
		assert.Equal(t, "user-1", task.UserID)
		assert.Equal(t, "gen-itin-1-v1", task.IdempotencyKey)
		assert.Equal(t, 8, task.Priority)
		assert.JSONEq(t, `{"destination":"Lisbon"}`, string(task.Payload))
	})

	t.Run("zero priority falls back to the default", func(t *testing.T) {
		t.Parallel()

		submitter := &mockSubmitter{}
		handler := NewRequestEventHandler(submitter, newTestLogger())

		event, err := events.NewAgentTaskRequested(
			"poi_enrichment", "researcher", "itin-2", "user-2", nil)
		require.NoError(t, err)

		require.NoError(t, handler.HandleEvent(context.Background(), event))
		require.Len(t, submitter.submitted, 1)
		assert.Equal(t, domain.DefaultPriority, submitter.submitted[0].Priority)
	})

	t.Run("submission failure surfaces as an error", func(t *testing.T) {
		t.Parallel()

		submitter := &mockSubmitter{err: errors.New("store unavailable")}
		handler := NewRequestEventHandler(submitter, newTestLogger())

		event, err := events.NewAgentTaskRequested(
			"itinerary_generation", "planner", "itin-3", "user-3", nil)
		require.NoError(t, err)

		assert.Error(t, handler.HandleEvent(context.Background(), event))
	})
}
