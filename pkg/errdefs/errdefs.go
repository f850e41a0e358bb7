// Package errdefs defines the error kinds the pipeline's retry policy is
// built on. Callers classify errors with the Is* predicates; error text
// is never parsed.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrNotFound marks missing state. A NotFound is never a failure by
// itself: it distinguishes a legitimate first run from a storage error.
var ErrNotFound = errors.New("not found")

// NotFound wraps a formatted message as a not-found error.
func NotFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type transientError struct{ cause error }

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// Transient marks an error as retryable: network faults, timeouts,
// throttling, temporarily unavailable backends.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// Transientf builds a transient error from a format string.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err carries the transient flag anywhere
// in its chain.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

type validationError struct{ cause error }

func (e *validationError) Error() string { return e.cause.Error() }
func (e *validationError) Unwrap() error { return e.cause }

// Validation marks a fatal validation error: unsupported mime type,
// oversized input, invalid index or document id. Never retried.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{cause: err}
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// IsValidation reports whether err is a fatal validation error.
func IsValidation(err error) bool {
	var v *validationError
	return errors.As(err, &v)
}

type configurationError struct{ cause error }

func (e *configurationError) Error() string { return e.cause.Error() }
func (e *configurationError) Unwrap() error { return e.cause }

// Configuration marks a fatal configuration error: missing credentials,
// misconfigured model. Surfaces immediately, never retried.
func Configuration(err error) error {
	if err == nil {
		return nil
	}
	return &configurationError{cause: err}
}

// Configurationf builds a configuration error from a format string.
func Configurationf(format string, args ...any) error {
	return Configuration(fmt.Errorf(format, args...))
}

// IsConfiguration reports whether err is a fatal configuration error.
func IsConfiguration(err error) bool {
	var c *configurationError
	return errors.As(err, &c)
}
