package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// IdempotencyStore implements the store.IdempotencyStore interface using
// PostgreSQL.
type IdempotencyStore struct {
	db store.DBTX
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(db store.DBTX) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Get retrieves the record for a key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, result, operation_type, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`

	var record domain.IdempotencyRecord
	var result []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&record.Key, &result, &record.OperationType,
		&record.CreatedAt, &record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", store.ErrIdempotencyRecordNotFound, key)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	record.Result = result

	return &record, nil
}

// Put stores the record, overwriting any existing record under the same
// key.
func (s *IdempotencyStore) Put(ctx context.Context, record *domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (key, result, operation_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET result = EXCLUDED.result,
			operation_type = EXCLUDED.operation_type,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	var result any
	if record.Result != nil {
		result = []byte(record.Result)
	}

	_, err := s.db.ExecContext(ctx, query,
		record.Key, result, record.OperationType,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Delete removes the record for a key. Absent keys are a no-op.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired removes all records whose expires_at is before now.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
