// Package domain provides canonical error and thread types for the bridge.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a bridge error.
type ErrorKind string

const (
	// ErrorKindUnauthorized indicates a bad or missing API key.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindForbidden indicates a table or role scope violation.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindRateLimited indicates the caller exhausted its token bucket.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindNotFound indicates a missing thread, app, or artifact.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindConflict indicates a duplicate app_id.
	ErrorKindConflict ErrorKind = "conflict"

	// ErrorKindUpstreamTimeout indicates an upstream call exceeded its deadline.
	// Retryable.
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"

	// ErrorKindUpstreamError indicates a non-2xx response from the upstream.
	ErrorKindUpstreamError ErrorKind = "upstream_error"

	// ErrorKindValidation indicates a malformed plan or payload.
	ErrorKindValidation ErrorKind = "validation_error"
)

// Error is a canonical bridge error carrying a kind, a human-readable
// message, and a suggested HTTP status code.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// StatusCode overrides the default HTTP status mapping when non-zero.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindUnauthorized:
		return http.StatusUnauthorized
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindConflict:
		return http.StatusConflict
	case ErrorKindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindUpstreamError:
		return http.StatusBadGateway
	case ErrorKindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindUpstreamTimeout || e.Kind == ErrorKindRateLimited
}

// NewError creates a new bridge error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrUnauthorized creates an unauthorized error. The message is deliberately
// uniform so callers cannot distinguish absent keys from disabled apps.
func ErrUnauthorized() *Error {
	return NewError(ErrorKindUnauthorized, "invalid API key")
}

// ErrForbidden creates a scope violation error.
func ErrForbidden(message string) *Error {
	return NewError(ErrorKindForbidden, message)
}

// ErrRateLimited creates a rate limit error.
func ErrRateLimited() *Error {
	return NewError(ErrorKindRateLimited, "rate limit exceeded, please try again later")
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *Error {
	return NewError(ErrorKindNotFound, message)
}

// ErrConflict creates a duplicate-resource error.
func ErrConflict(message string) *Error {
	return NewError(ErrorKindConflict, message)
}

// ErrUpstreamTimeout creates a retryable upstream timeout error.
func ErrUpstreamTimeout(message string) *Error {
	return NewError(ErrorKindUpstreamTimeout, message)
}

// ErrUpstream creates an upstream error from a non-2xx response.
func ErrUpstream(status int, message string) *Error {
	return NewError(ErrorKindUpstreamError, fmt.Sprintf("upstream returned %d: %s", status, message))
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(ErrorKindValidation, message)
}

// KindOf extracts the error kind from err, or empty string if err is not a
// bridge error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
