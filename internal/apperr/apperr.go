// Package apperr defines the closed error taxonomy shared by the dispatcher,
// adapters, and transport layers.
//
// Every error that crosses the HTTP boundary is one of the nine kinds below.
// Errors from lower layers that do not belong to the taxonomy are surfaced as
// KindUpstream5xx with a generic message; the original cause stays in the logs
// keyed by request ID.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one member of the closed error set.
type Kind string

// Error kinds. The set is closed: adding a member requires updating
// HTTPStatus and the wire documentation together.
const (
	KindValidation   Kind = "validation_error"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream4xx  Kind = "upstream_4xx"
	KindUpstream5xx  Kind = "upstream_5xx"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindTimeout      Kind = "timeout"
	KindNetwork      Kind = "network_error"
)

// Error is the taxonomy error type. RetryAfter is set only for rate_limited.
type Error struct {
	Kind       Kind                   `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"` // seconds
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
}

// Wrap creates a taxonomy error that wraps an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithRetryAfter sets the retry hint in seconds, clamped to at least 1.
func (e *Error) WithRetryAfter(seconds int) *Error {
	if seconds < 1 {
		seconds = 1
	}
	e.RetryAfter = seconds
	return e
}

// WithRequestID stamps the request ID onto the error for wire correlation.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// HTTPStatus maps an error kind to its wire status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream4xx:
		return http.StatusBadGateway
	case KindUpstream5xx:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a client may usefully retry after this kind.
func (k Kind) Retriable() bool {
	switch k {
	case KindRateLimited, KindUpstream5xx, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// From extracts a taxonomy error from err. When err is not a taxonomy error
// the result is an upstream_5xx with a generic message, so internal causes
// never leak onto the wire.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindUpstream5xx, err, "internal error")
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
