package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/events"
	"github.com/wanderplan/wanderplan-api/internal/platform/logger"
	"github.com/wanderplan/wanderplan-api/internal/store"
	"github.com/wanderplan/wanderplan-api/internal/task"
)

// setupRouter builds the ops router: health, metrics, and read-mostly
// task introspection. The product-facing REST API lives in a different
// service; this surface exists for operators and probes.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", app.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		app.promRegistry,
		promhttp.HandlerOpts{},
	))

	r.Route("/ops", func(r chi.Router) {
		r.Get("/stats", app.handleStats)
		r.Post("/tasks", app.handleSubmitTask)
		r.Get("/tasks/{id}", app.handleGetTask)
		r.Post("/tasks/{id}/cancel", app.handleCancelTask)
		r.Get("/itineraries/{id}/tasks", app.handleItineraryTasks)
	})

	return r
}

// handleHealthz reports liveness. The database is part of the check: a
// server that cannot reach its queue is not healthy.
func (app *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := app.db.PingContext(ctx); err != nil {
		app.logger.Error("health check database ping failed", "error", err)
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		app.logger.Error("failed to write health check response", "error", err)
	}
}

func (app *application) handleStats(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, app.taskSystem.GetStats(r.Context()))
}

// handleSubmitTask requests agent work through the event bridge, the
// same path the rest of the backend uses. The response acknowledges the
// event; task state is read back through the introspection endpoints.
func (app *application) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskType       string          `json:"task_type"`
		AgentKind      string          `json:"agent_kind"`
		ItineraryID    string          `json:"itinerary_id"`
		UserID         string          `json:"user_id"`
		IdempotencyKey string          `json:"idempotency_key"`
		Priority       int             `json:"priority"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	event, err := events.NewAgentTaskRequested(
		body.TaskType, body.AgentKind, body.ItineraryID, body.UserID, body.Payload)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	event.IdempotencyKey = body.IdempotencyKey
	event.Priority = body.Priority

	ctx := logger.WithLogger(r.Context(),
		app.logger.With("request_id", middleware.GetReqID(r.Context())))
	if err := app.eventEmitter.EmitEvent(ctx, event); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, task.ErrInvalidIdempotencyKey) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		app.logger.Error("failed to submit requested task", "event_id", event.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID.String()})
}

func (app *application) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	t, err := app.taskSystem.GetTask(r.Context(), taskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		app.logger.Error("failed to load task", "task_id", taskID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, http.StatusOK, t)
}

func (app *application) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// Missing or malformed body just means no reason given.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	cancelled, err := app.taskSystem.Cancel(r.Context(), taskID, body.Reason)
	if err != nil {
		if store.IsNotFoundError(err) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		app.logger.Error("failed to cancel task", "task_id", taskID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (app *application) handleItineraryTasks(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "id")

	tasks, err := app.taskSystem.TasksForItinerary(r.Context(), itineraryID)
	if err != nil {
		app.logger.Error("failed to list itinerary tasks",
			"itinerary_id", itineraryID,
			"error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, http.StatusOK, tasks)
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("failed to encode response", "error", err)
	}
}
