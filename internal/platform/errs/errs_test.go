package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	err := E(KindTransient, base)

	if got := KindOf(err); got != KindTransient {
		t.Errorf("expected kind %q, got %q", KindTransient, got)
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped cause to survive errors.Is")
	}
	if got := KindOf(base); got != "" {
		t.Errorf("expected empty kind for plain error, got %q", got)
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("sync patient: %w", Ef(KindRateLimitExceeded, "tenant %s over hourly cap", "acme"))
	if got := KindOf(err); got != KindRateLimitExceeded {
		t.Errorf("expected kind to survive fmt wrapping, got %q", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindRateLimitExceeded, true},
		{KindPermanent, false},
		{KindForbidden, false},
		{KindReauthRequired, false},
	}
	for _, tc := range cases {
		if got := Retryable(E(tc.kind, nil)); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindForbidden, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindAuthRequired, http.StatusUnauthorized},
		{KindReauthRequired, http.StatusUnauthorized},
		{KindRateLimitExceeded, http.StatusTooManyRequests},
		{KindRateLimitWouldExceed, http.StatusTooManyRequests},
		{KindBatchTooLarge, http.StatusRequestEntityTooLarge},
		{KindSandboxLimitation, http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := HTTPStatus(E(tc.kind, nil)); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for unclassified error, got %d", got)
	}
}
