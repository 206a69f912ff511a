package task

import (
	"context"
	"sync"

	"github.com/wanderplan/wanderplan-api/internal/domain"
)

// Executor runs the body of an agent task. Implementations live outside
// this package (LLM agents, booking agents, ...) and are registered by
// agent kind at startup.
//
// Execute receives a copy of the task and returns it with a terminal
// status and the result or error populated. Task bodies must be safe to
// re-run to completion: the engine guarantees at-least-once execution,
// not exactly-once.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (*domain.Task, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *domain.Task) (*domain.Task, error)

// Execute runs the function.
func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	return f(ctx, task)
}

// Registry maps agent kinds to their executors. Registration happens at
// startup; lookups happen on every dispatch.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an agent kind, replacing any previous
// binding.
func (r *Registry) Register(agentKind string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentKind] = executor
}

// Lookup returns the executor for an agent kind.
func (r *Registry) Lookup(agentKind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[agentKind]
	return executor, ok
}

// Kinds returns the registered agent kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}
