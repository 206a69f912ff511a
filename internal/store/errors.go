package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g. a second task under the same ID).
	ErrDuplicate = errors.New("entity already exists")

	// ErrUpdateFailed is returned when a guarded update finds the stored
	// row no longer in the state the update requires, for example a
	// running transition racing a cancellation.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrQueryUnsupported is returned when the backing store cannot
	// satisfy a compound query (e.g. a missing composite index). Callers
	// degrade to a simpler query and filter in memory.
	ErrQueryUnsupported = errors.New("query unsupported by store")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrIdempotencyRecordNotFound indicates that no record exists for the
	// given idempotency key.
	ErrIdempotencyRecordNotFound = fmt.Errorf("%w: idempotency record", ErrNotFound)

	// Entity-specific "duplicate" errors

	// ErrTaskExists indicates that a task with the given ID already exists.
	ErrTaskExists = fmt.Errorf("%w: task", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
