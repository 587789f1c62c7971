package reasoner

import (
	"errors"
)

// ErrMalformed marks a structurally unusable reply. Workers fall back to
// their deterministic path instead of retrying; the provider already gave
// its answer.
var ErrMalformed = errors.New("reasoner reply malformed")

// ErrUnavailable marks exhaustion of the retry budget against the provider.
var ErrUnavailable = errors.New("reasoner unavailable")

// TransientError represents a temporary provider error that may succeed on
// retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent provider error that should not be
// retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsMalformed reports whether the provider answered with an unusable reply.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// IsTransient returns true if the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
