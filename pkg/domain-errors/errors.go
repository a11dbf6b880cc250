// Package domainerrors defines coded errors shared by every layer of the service.
//
// Services return *Error values (or typed errors implementing Coder) so that the
// transport layer can translate them without inspecting messages:
//
//	if dErrors.HasCode(err, dErrors.CodeNotFound) { ... }
//
// Codes are stable strings; they are also the "error" field of HTTP error bodies.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	CodeInternal           Code = "internal_error"
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvalidRequest     Code = "invalid_request"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeExpired            Code = "expired"

	CodeInvalidState            Code = "invalid_state"
	CodeAlreadyCompleted        Code = "already_completed"
	CodeCapExceeded             Code = "cap_exceeded"
	CodeInsufficientBalance     Code = "insufficient_balance"
	CodeVerificationUnavailable Code = "verification_unavailable"
	CodeDataIntegrity           Code = "data_integrity"
)

// Coder is implemented by typed errors that carry a Code.
type Coder interface {
	ErrorCode() Code
}

// Detailer is implemented by errors carrying structured numeric or textual boundaries
// that should reach the caller (requested amount, cap, available balance).
type Detailer interface {
	ErrorDetails() map[string]any
}

// Error is the generic coded error.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause. The cause stays reachable
// through errors.Is / errors.As.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) ErrorCode() Code { return e.Code }

func (e *Error) ErrorDetails() map[string]any { return e.Details }

// WithDetail returns the error with an added detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the first code found in the error chain, or CodeInternal when
// the chain carries none.
func CodeOf(err error) Code {
	for err != nil {
		if c, ok := err.(Coder); ok {
			return c.ErrorCode()
		}
		err = errors.Unwrap(err)
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if c, ok := err.(Coder); ok && c.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Is reports whether the outermost coded error in the chain has the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// DetailsOf collects details from the first Detailer in the chain.
func DetailsOf(err error) map[string]any {
	var d Detailer
	if errors.As(err, &d) {
		return d.ErrorDetails()
	}
	return nil
}
