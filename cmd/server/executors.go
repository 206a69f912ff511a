package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/task"
)

// agentKindSmoke is the built-in diagnostic executor. It completes with
// the submitted payload echoed back, letting operators verify the whole
// submit/dispatch/persist pipeline on a live deployment without
// involving any real agent.
const agentKindSmoke = "smoke"

// registerExecutors binds every agent kind this binary serves. The real
// travel agents (planner, researcher, booking) are registered here by
// their packages as they are brought into this deployment.
func registerExecutors(registry *task.Registry, logger *slog.Logger) {
	registry.Register(agentKindSmoke, smokeExecutor(logger))
}

func smokeExecutor(logger *slog.Logger) task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, t *domain.Task) (*domain.Task, error) {
		logger.Info("smoke task executed",
			"task_id", t.ID,
			"itinerary_id", t.ItineraryID,
			"attempt", t.Attempt)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}

		t.Status = domain.TaskStatusCompleted
		t.Result = t.Payload
		return t, nil
	})
}
