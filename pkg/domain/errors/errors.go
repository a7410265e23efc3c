package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error represents a structured error with code and context
type Error struct {
	Code    Code
	Domain  string
	Message string
	Cause   error
	// TraceID is set on internal errors so operators can correlate a
	// surfaced envelope with server logs.
	TraceID string
}

// New creates a new error with the given code, domain, message, and optional cause
func New(code Code, domain string, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: message,
		Cause:   cause,
	}
}

// Internal wraps an unexpected failure and stamps a trace id.
func Internal(domain string, message string, cause error) *Error {
	return &Error{
		Code:    CodeInternal,
		Domain:  domain,
		Message: message,
		Cause:   cause,
		TraceID: uuid.NewString(),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err's chain, or CodeUnknown when no
// structured error is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err's chain contains a structured error with the
// given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsTransient reports whether err represents a retryable condition.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeUnavailable, CodeNetworkError, CodeRateLimited:
		return true
	default:
		return false
	}
}
