package verifier

import (
	"errors"
	"fmt"
)

// ErrorCategory normalizes verifier failures.
type ErrorCategory string

const (
	ErrorTimeout       ErrorCategory = "timeout"
	ErrorBadData       ErrorCategory = "bad_data"
	ErrorOutage        ErrorCategory = "outage"
	ErrorRateLimited   ErrorCategory = "rate_limited"
	ErrorRejected      ErrorCategory = "rejected"
	ErrorNotConfigured ErrorCategory = "not_configured"
	ErrorCircuitOpen   ErrorCategory = "circuit_open"
)

// Error wraps one failed verifier call.
type Error struct {
	Category   ErrorCategory
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("verifier [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("verifier [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(category ErrorCategory, message string, underlying error) *Error {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorRateLimited
	return &Error{
		Category:   category,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// CategoryOf extracts the failure category, defaulting to outage.
func CategoryOf(err error) ErrorCategory {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Category
	}
	return ErrorOutage
}
