package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordination service.
type ErrorCode string

// Coordination error codes
const (
	// ErrNotFound reports a missing task, agent, workflow or handoff.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrValidation reports malformed input that must be corrected before resubmitting.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrInvalidStateTransition reports a transition absent from the task transition table.
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	// ErrConflict reports a lost optimistic-concurrency race.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrAlreadyExists reports a duplicate registration or a repeated handoff acceptance.
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS"
)

// Transport error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code, so that
// errors.Is(err, types.NewError(types.ErrConflict, "")) matches any conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewNotFoundError reports a missing entity of the given kind.
func NewNotFoundError(kind, id string) *Error {
	return Errorf(ErrNotFound, "%s %q not found", kind, id)
}

// NewValidationError reports malformed input.
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NewInvalidTransitionError reports an illegal task state transition.
func NewInvalidTransitionError(from, to TaskState) *Error {
	return Errorf(ErrInvalidStateTransition, "transition %s -> %s is not allowed", from, to)
}

// NewConflictError reports a concurrent modification. Conflicts are the only
// retryable coordination error: the caller re-fetches and decides again.
func NewConflictError(kind, id string) *Error {
	return Errorf(ErrConflict, "%s %q was modified concurrently", kind, id).WithRetryable(true)
}

// NewAlreadyExistsError reports a duplicate entity or acceptance.
func NewAlreadyExistsError(kind, id string) *Error {
	return Errorf(ErrAlreadyExists, "%s %q already exists", kind, id)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
