// Package apierror defines the gateway's client-facing error taxonomy.
// Every error returned to a caller carries a stable machine-readable Kind,
// a human-readable message and, for quota errors, a backoff hint.
package apierror

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Kind is the stable machine-readable error type
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnauthorized        Kind = "unauthorized"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindUnknownModel        Kind = "unknown_model"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal_error"
)

// Error is a classified gateway error
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set for RateLimited errors
	RetryAfter time.Duration
	// Remaining is the unreserved budget in USD for BudgetExceeded errors
	Remaining *float64
	// Timeout marks an UpstreamUnavailable where every attempt timed out
	Timeout bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode maps the error kind to an HTTP status
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnknownModel:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 1
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *Error {
	return newf(KindInvalidRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, format, args...)
}

func UnknownModel(alias string) *Error {
	return newf(KindUnknownModel, "unknown model %q", alias)
}

// BudgetExceeded reports the remaining unreserved budget
func BudgetExceeded(remaining float64, format string, args ...any) *Error {
	e := newf(KindBudgetExceeded, format, args...)
	if remaining < 0 {
		remaining = 0
	}
	e.Remaining = &remaining
	return e
}

// RateLimited reports how long until the window admits another request
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	e := newf(KindRateLimited, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// UpstreamUnavailable wraps the last upstream failure
func UpstreamUnavailable(cause error, timeout bool, format string, args ...any) *Error {
	e := newf(KindUpstreamUnavailable, format, args...)
	e.cause = cause
	e.Timeout = timeout
	return e
}

// Internal wraps an unexpected fault
func Internal(cause error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.cause = cause
	return e
}

// From returns err as an *Error, classifying unknown errors as internal
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err, "unexpected error")
}

// Is reports whether err is an *Error of the given kind
func Is(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Body is the JSON error envelope returned to clients
type Body struct {
	Error Detail `json:"error"`
}

// Detail describes the error payload
type Detail struct {
	Type               Kind     `json:"type"`
	Message            string   `json:"message"`
	RetryAfterSeconds  *int     `json:"retry_after_seconds,omitempty"`
	RemainingBudgetUSD *float64 `json:"remaining_budget_usd,omitempty"`
}

// ToBody renders the envelope. Internal causes are not leaked to clients.
func (e *Error) ToBody() Body {
	d := Detail{Type: e.Kind, Message: e.Message}
	if e.Kind == KindUpstreamUnavailable && e.cause != nil {
		d.Message = fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	if e.Kind == KindRateLimited {
		secs := e.RetryAfterSeconds()
		d.RetryAfterSeconds = &secs
	}
	if e.Remaining != nil {
		d.RemainingBudgetUSD = e.Remaining
	}
	return Body{Error: d}
}
