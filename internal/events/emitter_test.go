package events

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderplan/wanderplan-api/internal/platform/logger"
)

type recordingHandler struct {
	events []*AgentTaskRequested
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *AgentTaskRequested) error {
	h.events = append(h.events, event)
	return h.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInMemoryEventEmitter_EmitEvent(t *testing.T) {
	t.Parallel()

	t.Run("event reaches every handler", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEventEmitter(testLogger())
		first := &recordingHandler{}
		second := &recordingHandler{}
		emitter.RegisterHandler(first)
		emitter.RegisterHandler(second)

		event, err := NewAgentTaskRequested("itinerary_generation", "planner", "itin-1", "user-1", nil)
		require.NoError(t, err)

		require.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Len(t, first.events, 1)
		assert.Len(t, second.events, 1)
	})

	t.Run("no handlers is not an error", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEventEmitter(testLogger())
		event, err := NewAgentTaskRequested("itinerary_generation", "planner", "itin-1", "user-1", nil)
		require.NoError(t, err)

		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("failure logging uses the request-scoped logger", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		requestLogger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-42")

		emitter := NewInMemoryEventEmitter(testLogger())
		emitter.RegisterHandler(&recordingHandler{err: errors.New("handler broke")})

		event, err := NewAgentTaskRequested("itinerary_generation", "planner", "itin-1", "user-1", nil)
		require.NoError(t, err)

		ctx := logger.WithLogger(context.Background(), requestLogger)
		require.Error(t, emitter.EmitEvent(ctx, event))
		assert.Contains(t, buf.String(), "req-42")
	})

	t.Run("a failing handler does not block the others", func(t *testing.T) {
		t.Parallel()

		emitter := NewInMemoryEventEmitter(testLogger())
		failing := &recordingHandler{err: errors.New("handler broke")}
		healthy := &recordingHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(healthy)

		event, err := NewAgentTaskRequested("itinerary_generation", "planner", "itin-1", "user-1", nil)
		require.NoError(t, err)

		err = emitter.EmitEvent(context.Background(), event)
		assert.EqualError(t, err, "handler broke")
		assert.Len(t, healthy.events, 1, "delivery continues past the failure")
	})
}

func TestNewAgentTaskRequested(t *testing.T) {
	t.Parallel()

	event, err := NewAgentTaskRequested("itinerary_generation", "planner", "itin-1", "user-1",
		map[string]any{"destination": "Kyoto", "days": 4})
	require.NoError(t, err)

	assert.NotEqual(t, event.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, event.CreatedAt.IsZero())

	var payload struct {
		Destination string `json:"destination"`
		Days        int    `json:"days"`
	}
	require.NoError(t, event.UnmarshalPayload(&payload))
	assert.Equal(t, "Kyoto", payload.Destination)
	assert.Equal(t, 4, payload.Days)
}
