package broker

import (
	"errors"
	"fmt"
)

// Code identifies a broker error category. The front-end maps codes to HTTP
// statuses; instances return them without mutating state.
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeTerminalState       Code = "TERMINAL_STATE"
	CodeDuplicatePhase      Code = "DUPLICATE_PHASE"
	CodeDuplicateEntity     Code = "DUPLICATE_ENTITY"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeBackpressure        Code = "BACKPRESSURE"
	CodeInternal            Code = "INTERNAL"
)

// Error is the typed error carried from the broker core to the front-end.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a broker error with the given code.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to the error.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// ErrNotFound reports an unknown entity or phase.
func ErrNotFound(format string, args ...interface{}) *Error {
	return NewError(CodeNotFound, format, args...)
}

// ErrInvalidInput reports a schema violation or out-of-range value.
func ErrInvalidInput(format string, args ...interface{}) *Error {
	return NewError(CodeInvalidInput, format, args...)
}

// ErrTerminalState reports a mutation attempted on a terminal entity or phase.
func ErrTerminalState(format string, args ...interface{}) *Error {
	return NewError(CodeTerminalState, format, args...)
}

// ErrInternal wraps an unexpected storage or runtime fault.
func ErrInternal(err error) *Error {
	return NewError(CodeInternal, "internal error: %v", err)
}

// CodeOf extracts the broker code from an error chain; unexpected errors
// surface as INTERNAL.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

// AsError converts any error to a broker error, wrapping unknown errors as
// INTERNAL.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return ErrInternal(err)
}
