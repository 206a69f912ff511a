package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/events"
)

// Submitter is the narrow slice of the orchestrator the event handler
// needs.
type Submitter interface {
	Submit(ctx context.Context, t *domain.Task) (string, error)
}

// RequestEventHandler turns AgentTaskRequested events into submitted
// tasks. It is the bridge between the rest of the backend and the task
// engine.
type RequestEventHandler struct {
	submitter Submitter
	logger    *slog.Logger
}

// NewRequestEventHandler creates the handler.
func NewRequestEventHandler(submitter Submitter, logger *slog.Logger) *RequestEventHandler {
	return &RequestEventHandler{
		submitter: submitter,
		logger:    logger.With("component", "task_request_handler"),
	}
}

// HandleEvent builds a task from the event and submits it.
func (h *RequestEventHandler) HandleEvent(ctx context.Context, event *events.AgentTaskRequested) error {
	t := domain.NewTask(event.TaskType, event.AgentKind, event.ItineraryID, event.UserID)
	t.IdempotencyKey = event.IdempotencyKey
	t.Payload = event.Payload
	if event.Priority != 0 {
		t.Priority = event.Priority
	}

	taskID, err := h.submitter.Submit(ctx, t)
	if err != nil {
		h.logger.Error("failed to submit task for event",
			"event_id", event.ID,
			"task_type", event.TaskType,
			"error", err)
		return fmt.Errorf("failed to submit task: %w", err)
	}

	h.logger.Info("task submitted for event",
		"event_id", event.ID,
		"task_id", taskID,
		"task_type", event.TaskType,
		"agent_kind", event.AgentKind)
	return nil
}

// Ensure RequestEventHandler implements events.EventHandler.
var _ events.EventHandler = (*RequestEventHandler)(nil)
