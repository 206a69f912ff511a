package domain

import (
	"encoding/json"
	"time"
)

// DefaultIdempotencyTTL is how long an idempotency record shields a key
// from duplicate submission when the caller does not specify a TTL.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord maps a caller-supplied idempotency key to the result
// of a previously completed operation. Records expire; an expired record
// no longer deduplicates.
type IdempotencyRecord struct {
	Key           string          `json:"key"`
	Result        json.RawMessage `json:"result"`
	OperationType string          `json:"operation_type"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
