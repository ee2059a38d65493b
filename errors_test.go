package alpaca

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClientErrorFormat(t *testing.T) {
	cause := errors.New("connection refused")
	err := newClientError(ErrorTypeNetwork, "request failed", cause)
	err.Operation = "GET /v2/account"
	err.RetryAfter = 2 * time.Second

	msg := err.Error()
	for _, want := range []string{"network", "request failed", "GET /v2/account", "retry after 2s", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in error message %q", want, msg)
		}
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := newClientError(ErrorTypeTimeout, "slow", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestClientErrorIsComparesCategories(t *testing.T) {
	a := newClientError(ErrorTypeRateLimit, "first", nil)
	b := newClientError(ErrorTypeRateLimit, "second", nil)
	c := newClientError(ErrorTypeValidation, "other", nil)

	if !errors.Is(a, b) {
		t.Error("Expected same-category ClientErrors to match")
	}
	if errors.Is(a, c) {
		t.Error("Expected different-category ClientErrors not to match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", newClientError(ErrorTypeNetwork, "x", nil), true},
		{"timeout", newClientError(ErrorTypeTimeout, "x", nil), true},
		{"circuit breaker", newClientError(ErrorTypeCircuitBreaker, "x", ErrCircuitOpen), true},
		{"rate limit", newClientError(ErrorTypeRateLimit, "x", nil), true},
		{"validation", newClientError(ErrorTypeValidation, "x", nil), false},
		{"configuration", newClientError(ErrorTypeConfiguration, "x", nil), false},
		{"authentication", newClientError(ErrorTypeAuthentication, "x", ErrNotAuthenticated), false},
		{"bare sentinel", ErrPoolAcquireTimeout, true},
		{"foreign error", errors.New("whatever"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnrichAnnotatesInPlace(t *testing.T) {
	err := newClientError(ErrorTypeNetwork, "boom", nil)
	out := enrich(err, "GET /v2/account", "client", "closed")

	var clientErr *ClientError
	if !errors.As(out, &clientErr) {
		t.Fatalf("Expected *ClientError, got %T", out)
	}
	if clientErr.Operation != "GET /v2/account" || clientErr.Component != "client" || clientErr.State != "closed" {
		t.Errorf("Expected context fields filled, got %+v", clientErr)
	}

	// A second enrich must not overwrite existing context.
	_ = enrich(out, "other", "other", "other")
	if clientErr.Operation != "GET /v2/account" {
		t.Errorf("Expected first operation retained, got %s", clientErr.Operation)
	}
}

func TestEnrichWrapsForeignErrors(t *testing.T) {
	cause := errors.New("plain failure")
	out := enrich(cause, "op", "component", "")

	var clientErr *ClientError
	if !errors.As(out, &clientErr) {
		t.Fatalf("Expected wrapping in *ClientError, got %T", out)
	}
	if clientErr.Type != ErrorTypeUnknown {
		t.Errorf("Expected unknown category, got %s", clientErr.Type)
	}
	if !errors.Is(out, cause) {
		t.Error("Expected cause to survive wrapping")
	}
}
