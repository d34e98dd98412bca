// Package apperrors defines the domain error taxonomy shared by every
// component. Each error carries a stable machine-readable code, a human
// message, and an optional structured details payload so the HTTP boundary
// has one uniform response contract.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeValidation           Code = "VALIDATION"
	CodeSyncInProgress       Code = "SYNC_IN_PROGRESS"
	CodeConnection           Code = "CONNECTION"
	CodeTimeout              Code = "TIMEOUT"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodePermission           Code = "PERMISSION_DENIED"
	CodeInternal             Code = "INTERNAL"
)

// Error is the envelope for all domain errors.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value pair to the details payload.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}

	e.Details[key] = value

	return e
}

// New creates a domain error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Conflict creates a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// SyncInProgress creates a SYNC_IN_PROGRESS error for the given instance.
func SyncInProgress(instanceID uint) *Error {
	return New(CodeSyncInProgress,
		"sync already in progress for instance %d", instanceID).
		WithDetail("instance_id", instanceID)
}

// Connection creates a CONNECTION error wrapping cause.
func Connection(cause error, format string, args ...any) *Error {
	e := New(CodeConnection, format, args...)
	e.cause = cause

	return e
}

// Timeout creates a TIMEOUT error wrapping cause.
func Timeout(cause error, format string, args ...any) *Error {
	e := New(CodeTimeout, format, args...)
	e.cause = cause

	return e
}

// RateLimited creates a RATE_LIMITED error.
func RateLimited(format string, args ...any) *Error {
	return New(CodeRateLimited, format, args...)
}

// AuthenticationFailed creates an AUTHENTICATION_FAILED error.
func AuthenticationFailed(format string, args ...any) *Error {
	return New(CodeAuthenticationFailed, format, args...)
}

// Permission creates a PERMISSION_DENIED error.
func Permission(format string, args ...any) *Error {
	return New(CodePermission, format, args...)
}

// Internal wraps an unexpected error into the uniform envelope.
func Internal(cause error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		cause:   cause,
	}
}

// Wrap returns err as a domain *Error, folding unknown errors into
// INTERNAL so every error reaching the boundary has the same shape.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Internal(err)
}

// CodeOf returns the code of err, or CodeInternal for unknown errors.
func CodeOf(err error) Code {
	return Wrap(err).Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}

	return false
}

// Retryable reports whether err is transient and safe to retry.
// Only remote-side failures qualify; validation, conflicts, and
// permission errors must be resolved by the caller first.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConnection, CodeTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSyncInProgress:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConnection:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodePermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
