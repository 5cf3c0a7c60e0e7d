package domain

import "github.com/pkg/errors"

var (
	// ErrTransient marks a failure worth retrying later. Wrap it, don't compare.
	ErrTransient = errors.New("transient failure")
	// ErrMalformedState is returned when persisted rows contradict the claim protocol.
	ErrMalformedState = errors.New("malformed persisted state")
	ErrInvalidInput   = errors.New("invalid input")
	// ErrRetryExhausted means a transient failure outlived the attempt budget.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
