package alpaca

import (
	"errors"
	"fmt"
	"time"
)

// Error categories attached to every ClientError. Callers can branch on
// these without re-deriving classification from the underlying cause.
const (
	ErrorTypeNetwork        = "network"
	ErrorTypeTimeout        = "timeout"
	ErrorTypeCircuitBreaker = "circuit_breaker"
	ErrorTypeRateLimit      = "rate_limit"
	ErrorTypeValidation     = "validation"
	ErrorTypeConfiguration  = "configuration"
	ErrorTypeAuthentication = "authentication"
	ErrorTypeUnknown        = "unknown"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("alpaca: circuit open")

	// ErrHalfOpenLimit is returned when the circuit breaker is half-open and
	// all probe slots are taken
	ErrHalfOpenLimit = errors.New("alpaca: half-open attempts exceeded")

	// ErrTooManyPendingRequests is returned when the deduplicator is tracking
	// the maximum number of distinct in-flight keys
	ErrTooManyPendingRequests = errors.New("alpaca: too many pending requests")

	// ErrPoolAcquireTimeout is returned when a pooled connection could not be
	// acquired within the configured timeout
	ErrPoolAcquireTimeout = errors.New("alpaca: connection pool acquire timeout")

	// ErrPoolClosed is returned for operations against a closed pool
	ErrPoolClosed = errors.New("alpaca: connection pool closed")

	// ErrStreamDisposed is returned for operations against a disposed stream
	ErrStreamDisposed = errors.New("alpaca: stream disposed")

	// ErrNotAuthenticated is returned when the API rejects the credentials
	ErrNotAuthenticated = errors.New("alpaca: not authenticated")
)

// ClientError is the enriched error surfaced by every component. The original
// cause is preserved via Unwrap so errors.Is / errors.As keep working on it.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	Operation  string
	Component  string
	State      string
	StatusCode int
	RetryAfter time.Duration
	Timestamp  time.Time
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Operation)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %v)", msg, e.RetryAfter)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error categories for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsRetryable reports whether the error represents a condition that may
// succeed on retry: network failures, timeouts, an open circuit and
// rate-limit style saturation are retryable; validation, configuration
// and authentication failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrHalfOpenLimit) ||
		errors.Is(err, ErrTooManyPendingRequests) || errors.Is(err, ErrPoolAcquireTimeout) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeCircuitBreaker, ErrorTypeRateLimit:
			return true
		default:
			return false
		}
	}

	return false
}

// newClientError builds a ClientError with the category, message and cause.
// Components fill in the remaining context fields before returning it.
func newClientError(errorType, message string, cause error) *ClientError {
	return &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// enrich attaches operation and component context to an error. ClientErrors
// are annotated in place when the fields are unset; any other error is
// wrapped so the cause survives unwrapping.
func enrich(err error, operation, component, state string) error {
	if err == nil {
		return nil
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		if clientErr.Operation == "" {
			clientErr.Operation = operation
		}
		if clientErr.Component == "" {
			clientErr.Component = component
		}
		if clientErr.State == "" {
			clientErr.State = state
		}
		return err
	}

	return &ClientError{
		Type:      ErrorTypeUnknown,
		Message:   "operation failed",
		Cause:     err,
		Operation: operation,
		Component: component,
		State:     state,
		Timestamp: time.Now(),
	}
}
