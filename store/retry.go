package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds internal retries of transient, pre-commit failures.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retry runs op, retrying with jittered exponential backoff while transient
// reports the failure as retryable. Anything non-transient propagates
// unchanged on the first occurrence; a transient failure that survives the
// attempt ceiling is surfaced as ErrUnavailable.
func (p RetryPolicy) Retry(ctx context.Context, transient func(error) bool, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		eb.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.MaxElapsedTime = 0

	var lastTransient error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if transient(err) {
			lastTransient = err
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx))

	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if lastTransient != nil && errors.Is(err, lastTransient) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Context cancellation during backoff.
	return err
}
