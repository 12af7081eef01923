package store

import (
	"errors"
	"fmt"
)

// The engine's error taxonomy. Backends wrap these sentinels so callers can
// classify failures with errors.Is regardless of the backend in use.
var (
	// ErrConflict reports an if-unmodified-since mismatch. Never retried.
	ErrConflict = errors.New("condition failed: collection was modified")
	// ErrNotFound reports an absent or expired user/collection/record.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded reports a write that would push the user past quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBatchNotFound reports an unknown (or already discarded) batch id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchExpired reports a batch past its lifetime window.
	ErrBatchExpired = errors.New("batch expired")
	// ErrInvalidRecord reports a payload or attribute outside the limits.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrPoolExhausted reports that no connection or session became
	// available within the checkout timeout.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrUnavailable reports a transient backend failure that persisted
	// through the retry ceiling.
	ErrUnavailable = errors.New("backend unavailable")
)

func errInvalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
