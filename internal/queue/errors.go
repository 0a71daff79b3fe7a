package queue

import "errors"

// ErrUnknownTask is returned when an ack/fail names a task the store does
// not have.
var ErrUnknownTask = errors.New("queue: unknown task")

// noRetryError marks a handler failure as non-retryable: the task is
// dead-lettered immediately instead of going through the backoff cycle.
type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// NoRetry wraps err so the dispatcher routes the failure straight to the
// dead letter state.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err (or anything it wraps) was marked NoRetry.
func IsNoRetry(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr)
}
