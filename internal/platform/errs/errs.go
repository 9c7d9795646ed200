// Package errs defines the error kinds shared across the HealthPrep core.
// Kinds classify failures for retry policy and for the HTTP layer; they are
// attached to ordinary wrapped errors rather than replacing them.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	KindAuthRequired         Kind = "auth_required"
	KindReauthRequired       Kind = "reauth_required"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindRateLimitWouldExceed Kind = "rate_limit_would_exceed"
	KindBatchTooLarge        Kind = "batch_too_large"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindConflict             Kind = "conflict"
	KindOCRFailed            Kind = "ocr_failed"
	KindPHIFilterFailed      Kind = "phi_filter_failed"
	KindSandboxLimitation    Kind = "sandbox_limitation"
	KindTransient            Kind = "transient"
	KindPermanent            Kind = "permanent"
)

// Error carries a kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields an error carrying only the kind.
func E(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Ef wraps a formatted message with a kind.
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimitExceeded:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the status code surfaced by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindAuthRequired, KindReauthRequired:
		return http.StatusUnauthorized
	case KindRateLimitExceeded, KindRateLimitWouldExceed:
		return http.StatusTooManyRequests
	case KindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindSandboxLimitation:
		return http.StatusBadGateway
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
