// Package retry holds the bounded-retry policy shared by the audit
// writer and the request-path storage calls.
package retry

import (
	"context"
	"errors"
	"time"
)

// permanentError marks an error Do must return without another attempt.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Do unwraps it on return so
// callers never see the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do invokes fn up to attempts times, doubling the delay between
// attempts. It stops early on success, when the error is marked
// Permanent or matches a terminal sentinel, or when ctx is done while
// waiting to retry. Terminal sentinels are domain outcomes rather than
// storage faults and come back on first occurrence.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error, terminal ...error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		for _, t := range terminal {
			if errors.Is(err, t) {
				return err
			}
		}
	}
	return err
}
