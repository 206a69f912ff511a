package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// DeadLetterStore implements the store.DeadLetterStore interface using
// PostgreSQL. The full task document is archived as JSON so operational
// tooling can inspect it without schema coupling.
type DeadLetterStore struct {
	db store.DBTX
}

// NewDeadLetterStore creates a new DeadLetterStore.
func NewDeadLetterStore(db store.DBTX) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Save archives a terminally failed task.
func (s *DeadLetterStore) Save(ctx context.Context, task *domain.Task, reason string) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter task: %w", err)
	}

	query := `
		INSERT INTO dead_letter_tasks (id, task, reason, dead_lettered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET task = EXCLUDED.task,
			reason = EXCLUDED.reason,
			dead_lettered_at = EXCLUDED.dead_lettered_at
	`

	_, err = s.db.ExecContext(ctx, query, task.ID, doc, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save dead-letter task: %w", err)
	}
	return nil
}
