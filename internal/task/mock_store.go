package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// MockTaskStore implements the store.TaskStore interface for testing.
// Behavior can be overridden per-method via the Fn fields; the default
// implementation is an in-memory map that mimics the unique-index
// semantics of the real store.
type MockTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task

	// PendingDueUnsupported makes ListPendingDue fail with
	// ErrQueryUnsupported, exercising the degraded dispatch path.
	PendingDueUnsupported bool

	SaveFn        func(ctx context.Context, t *domain.Task) error
	UpdateFn      func(ctx context.Context, t *domain.Task) error
	MarkRunningFn func(ctx context.Context, t *domain.Task) error
}

// NewMockTaskStore creates an empty mock store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{tasks: make(map[string]*domain.Task)}
}

// Save persists a task, enforcing ID and idempotency-key uniqueness.
func (s *MockTaskStore) Save(ctx context.Context, t *domain.Task) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrTaskExists, t.ID)
	}
	if t.IdempotencyKey != "" {
		for _, existing := range s.tasks {
			if existing.IdempotencyKey == t.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %q", store.ErrTaskExists, t.IdempotencyKey)
			}
		}
	}

	s.tasks[t.ID] = t.Clone()
	return nil
}

// Update overwrites the stored task.
func (s *MockTaskStore) Update(ctx context.Context, t *domain.Task) error {
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; !exists {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// MarkRunning persists the running transition only when the stored
// task is still pending, mirroring the conditional UPDATE of the real
// store.
func (s *MockTaskStore) MarkRunning(ctx context.Context, t *domain.Task) error {
	if s.MarkRunningFn != nil {
		return s.MarkRunningFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.tasks[t.ID]
	if !exists || stored.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: task %s is no longer pending", store.ErrUpdateFailed, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get retrieves a task by ID.
func (s *MockTaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// ListPendingDue returns due pending tasks in dispatch order.
func (s *MockTaskStore) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if s.PendingDueUnsupported {
		return nil, store.ErrQueryUnsupported
	}

	s.mu.RLock()
	var due []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusPending && t.Due(now) {
			due = append(due, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListByStatus returns all tasks with the given status.
func (s *MockTaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			matched = append(matched, t.Clone())
		}
	}
	return matched, nil
}

// ListRunningStartedBefore returns running tasks started before the cutoff.
func (s *MockTaskStore) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			matched = append(matched, t.Clone())
		}
	}
	return matched, nil
}

// ListRunningUpdatedBefore returns running tasks updated before the cutoff.
func (s *MockTaskStore) ListRunningUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusRunning && t.UpdatedAt.Before(cutoff) {
			matched = append(matched, t.Clone())
		}
	}
	return matched, nil
}

// ListByItinerary returns all tasks for an itinerary, newest first.
func (s *MockTaskStore) ListByItinerary(ctx context.Context, itineraryID string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Task
	for _, t := range s.tasks {
		if t.ItineraryID == itineraryID {
			matched = append(matched, t.Clone())
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}

// FindByIdempotencyKey returns the task created under the key.
func (s *MockTaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.IdempotencyKey == key {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %q", store.ErrTaskNotFound, key)
}

// Delete removes a task.
func (s *MockTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

// DeleteTerminalBefore removes old completed and cancelled tasks.
func (s *MockTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountByStatus returns the number of tasks per status.
func (s *MockTaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// WithTx implements store.TaskStore; the mock ignores transactions.
func (s *MockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return s
}

// Len returns how many tasks the store holds.
func (s *MockTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// MockIdempotencyStore implements store.IdempotencyStore for testing.
type MockIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*domain.IdempotencyRecord

	GetFn func(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PutFn func(ctx context.Context, record *domain.IdempotencyRecord) error
}

// NewMockIdempotencyStore creates an empty mock idempotency store.
func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{records: make(map[string]*domain.IdempotencyRecord)}
}

// Get retrieves the record for a key.
func (s *MockIdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists {
		return nil, fmt.Errorf("%w: %q", store.ErrIdempotencyRecordNotFound, key)
	}
	copied := *record
	return &copied, nil
}

// Put stores the record, overwriting any prior one.
func (s *MockIdempotencyStore) Put(ctx context.Context, record *domain.IdempotencyRecord) error {
	if s.PutFn != nil {
		return s.PutFn(ctx, record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.Key] = &copied
	return nil
}

// Delete removes the record for a key.
func (s *MockIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// DeleteExpired removes records past their TTL.
func (s *MockIdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, record := range s.records {
		if record.Expired(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns how many records the store holds.
func (s *MockIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MockDeadLetterStore implements store.DeadLetterStore for testing.
type MockDeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]string // task ID -> reason
	tasks   map[string]*domain.Task

	SaveFn func(ctx context.Context, t *domain.Task, reason string) error
}

// NewMockDeadLetterStore creates an empty mock dead-letter store.
func NewMockDeadLetterStore() *MockDeadLetterStore {
	return &MockDeadLetterStore{
		entries: make(map[string]string),
		tasks:   make(map[string]*domain.Task),
	}
}

// Save archives a dead-lettered task.
func (s *MockDeadLetterStore) Save(ctx context.Context, t *domain.Task, reason string) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, t, reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[t.ID] = reason
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Contains reports whether a task was dead-lettered.
func (s *MockDeadLetterStore) Contains(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[taskID]
	return exists
}

// Reason returns the recorded dead-letter reason for a task.
func (s *MockDeadLetterStore) Reason(taskID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[taskID]
}
