package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTransition is returned by the call and campaign state machines.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRetryExhausted marks a call whose retry budget is spent. It is a
	// business outcome and callers should not log it as a failure.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
