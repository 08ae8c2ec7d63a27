// Package apperr defines the structured error taxonomy surfaced by the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping.
type Kind string

// Error kinds.
const (
	KindValidation  Kind = "VALIDATION"
	KindAuth        Kind = "UNAUTHORIZED"
	KindNotFound    Kind = "NOT_FOUND"
	KindUpstream    Kind = "UPSTREAM"
	KindIO          Kind = "IO"
	KindRateLimited Kind = "RATE_LIMITED"
	KindInternal    Kind = "INTERNAL"
)

// Error is a structured error with a kind, an HTTP status and a client-facing message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a 400 error whose message is echoed verbatim to the caller.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// Unauthorized creates a 401 error.
func Unauthorized() *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "Unauthorized"}
}

// NotFound creates a 404 error.
func NotFound(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: msg, Err: err}
}

// Upstream creates an error that forwards a remote image status code.
func Upstream(status int, statusText string) *Error {
	return UpstreamMessage(status, fmt.Sprintf("Failed to fetch image: %s", statusText))
}

// UpstreamMessage creates an upstream error with a caller-supplied message.
// Statuses outside the 4xx/5xx range map to 502.
func UpstreamMessage(status int, msg string) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: msg,
		Details: map[string]any{"upstream_status": status},
	}
}

// IO creates a 500 error for filesystem failures.
func IO(msg string, err error) *Error {
	return &Error{Kind: KindIO, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// RateLimited creates a 429 error carrying retry timing.
func RateLimited(msg string, retryAfterSeconds int64) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: msg,
		Details: map[string]any{"retry_after_seconds": retryAfterSeconds},
	}
}

// Internal creates a 500 error for unexpected failures.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
