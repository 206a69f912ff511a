package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentTaskRequested represents a request from the rest of the backend
// (itinerary planning, booking, payments) to run an agent task. It
// carries everything the task engine needs without a direct dependency
// on the task package.
type AgentTaskRequested struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// TaskType indicates the kind of work requested.
	TaskType string `json:"task_type"`

	// AgentKind selects which executor handles the task.
	AgentKind string `json:"agent_kind"`

	// ItineraryID and UserID attach the task to its owning context.
	ItineraryID string `json:"itinerary_id"`
	UserID      string `json:"user_id"`

	// IdempotencyKey deduplicates repeated requests, when set.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Priority is the requested dispatch priority (1-10, 0 for default).
	Priority int `json:"priority,omitempty"`

	// Payload contains the task-specific data serialized as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *AgentTaskRequested) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewAgentTaskRequested creates an event with the payload serialized and
// the identity fields stamped.
func NewAgentTaskRequested(taskType, agentKind, itineraryID, userID string, payload any) (*AgentTaskRequested, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &AgentTaskRequested{
		ID:          uuid.New(),
		TaskType:    taskType,
		AgentKind:   agentKind,
		ItineraryID: itineraryID,
		UserID:      userID,
		Payload:     payloadBytes,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// EventHandler defines an interface for components that can handle task
// request events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *AgentTaskRequested) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish task requests without direct knowledge
// of the task engine.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *AgentTaskRequested) error
}
