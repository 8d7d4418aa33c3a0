package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdapterUnavailable is returned without contacting the adapter
	// while its circuit breaker is open.
	ErrAdapterUnavailable = errors.New("adapter unavailable: circuit open")

	// ErrUnknownOutcome marks a non-idempotent call that timed out
	// after the request may already have been transmitted. Callers
	// must not assume non-delivery.
	ErrUnknownOutcome = errors.New("call outcome unknown (timeout)")
)

// Transient marks an error as retryable (timeout, 5xx-equivalent,
// connection failure). The gateway retries transient errors up to its
// budget.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Permanent marks an error as non-retryable (validation, auth,
// 4xx-equivalent). The gateway fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// RetryAfter marks a transient error carrying an explicit delay hint
// (e.g. HTTP 429 Retry-After). The gateway respects the hint bounded
// by its max delay, with jitter applied on top.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// IsTransient reports whether err should be retried. Unclassified
// errors default to transient; adapters wrap anything that must fail
// fast with Permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	return !errors.As(err, &p)
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfterError is implemented by errors that carry an explicit
// retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}
