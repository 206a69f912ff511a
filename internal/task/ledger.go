package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/wanderplan/wanderplan-api/internal/domain"
	"github.com/wanderplan/wanderplan-api/internal/store"
)

// ErrInvalidIdempotencyKey is returned when a submission carries a key
// that fails validation. Invalid keys are rejected at the submission
// boundary, never silently dropped.
var ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 255

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// LedgerConfig tunes the idempotency ledger.
type LedgerConfig struct {
	// DefaultTTL is applied when Store is called without a TTL.
	DefaultTTL time.Duration

	// SweepInterval is how often expired records are deleted.
	SweepInterval time.Duration
}

// DefaultLedgerConfig returns the ledger defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DefaultTTL:    domain.DefaultIdempotencyTTL,
		SweepInterval: 1 * time.Hour,
	}
}

// IdempotencyLedger maps caller-supplied idempotency keys to previously
// produced submission results. Lookups fail closed: any storage error is
// treated as a miss so a broken ledger degrades to duplicate work, never
// to blocked submissions.
type IdempotencyLedger struct {
	records store.IdempotencyStore
	config  LedgerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewIdempotencyLedger creates a ledger backed by the given store.
func NewIdempotencyLedger(records store.IdempotencyStore, config LedgerConfig, logger *slog.Logger) *IdempotencyLedger {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = domain.DefaultIdempotencyTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 1 * time.Hour
	}
	return &IdempotencyLedger{
		records: records,
		config:  config,
		logger:  logger.With("component", "idempotency_ledger"),
		now:     time.Now,
	}
}

// ValidKey reports whether the key is acceptable: non-empty, at most
// MaxIdempotencyKeyLength characters, and limited to [A-Za-z0-9_.-].
func (l *IdempotencyLedger) ValidKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return false
	}
	return idempotencyKeyPattern.MatchString(key)
}

// Lookup returns the record stored under the key, or nil when there is
// none. Expired records are lazily deleted and reported as a miss.
// Storage errors are logged and reported as a miss.
func (l *IdempotencyLedger) Lookup(ctx context.Context, key string) *domain.IdempotencyRecord {
	record, err := l.records.Get(ctx, key)
	if err != nil {
		if !store.IsNotFoundError(err) {
			l.logger.Error("idempotency lookup failed, treating as miss",
				"key", key,
				"error", err)
		}
		return nil
	}

	if record.Expired(l.now()) {
		if err := l.records.Delete(ctx, key); err != nil {
			l.logger.Warn("failed to delete expired idempotency record",
				"key", key,
				"error", err)
		}
		return nil
	}

	return record
}

// Store records the result produced for the key. A non-positive ttl uses
// the configured default. Any prior record under the same key is
// overwritten; callers only call this once per successful submission.
func (l *IdempotencyLedger) Store(ctx context.Context, key string, result any, operationType string, ttl time.Duration) error {
	if !l.ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, key)
	}
	if ttl <= 0 {
		ttl = l.config.DefaultTTL
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	now := l.now().UTC()
	record := &domain.IdempotencyRecord{
		Key:           key,
		Result:        resultJSON,
		OperationType: operationType,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	if err := l.records.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// SweepExpired deletes all records past their TTL and returns how many
// were removed. Deletion failures are logged, never fatal.
func (l *IdempotencyLedger) SweepExpired(ctx context.Context) int64 {
	deleted, err := l.records.DeleteExpired(ctx, l.now())
	if err != nil {
		l.logger.Error("idempotency sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		l.logger.Info("swept expired idempotency records", "deleted", deleted)
	}
	return deleted
}

// Run sweeps expired records on the configured interval until the
// context is cancelled.
func (l *IdempotencyLedger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.SweepExpired(ctx)
		}
	}
}
