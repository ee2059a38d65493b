package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	FailureThreshold int

	// Timeout bounds each wrapped operation. The operation races the timer;
	// a late result is discarded, never double-delivered.
	Timeout time.Duration

	// RecoveryTimeout is how long the circuit stays open before the next
	// call is admitted as a half-open probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxAttempts caps how many probes are admitted while half-open.
	HalfOpenMaxAttempts int

	// ResetTimeout, when > 0, periodically resets success/attempt counters.
	// The failure count is only reset while the circuit is closed.
	ResetTimeout time.Duration

	// Clock overrides the time source, for tests. Nil means wall clock.
	Clock clock.Clock
}

// CircuitBreakerMetrics is a point-in-time snapshot of breaker state.
type CircuitBreakerMetrics struct {
	State            CircuitState
	FailureCount     int
	SuccessCount     int
	TotalAttempts    int
	HalfOpenAttempts int
	LastFailureTime  time.Time
	LastSuccessTime  time.Time
	StateChangedAt   time.Time
}

// CircuitBreaker is a failure-threshold state machine that fails fast once
// the backend is deemed unhealthy and periodically probes for recovery.
// It is safe for concurrent use.
type CircuitBreaker struct {
	config  CircuitBreakerConfig
	clock   clock.Clock
	metrics *MetricsCollector
	logger  Logger
	name    string

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	totalAttempts    int
	halfOpenAttempts int
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	stateChangedAt   time.Time
	resetStop        chan struct{}
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
// Zero fields fall back to defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxAttempts <= 0 {
		config.HalfOpenMaxAttempts = 3
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &CircuitBreaker{
		config:         config,
		clock:          clk,
		name:           "default",
		state:          StateClosed,
		stateChangedAt: clk.Now(),
	}
}

// SetObservers attaches an optional metrics collector and logger.
func (cb *CircuitBreaker) SetObservers(metrics *MetricsCollector, logger Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics = metrics
	cb.logger = logger
}

// Execute runs op under the breaker's admission policy and operation
// timeout. Failures, including timeouts, count against the failure
// threshold; the error is enriched with breaker context and re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := cb.run(ctx, op)
	if err != nil {
		cb.recordFailure()
		return enrich(err, "execute", "circuit_breaker", cb.State().String())
	}

	cb.recordSuccess()
	return nil
}

// admit decides whether a call may proceed given the current state. The
// half-open attempt counter is incremented inside this critical section so
// concurrent probes can never exceed HalfOpenMaxAttempts.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalAttempts++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := cb.clock.Now().Sub(cb.stateChangedAt)
		if elapsed < cb.config.RecoveryTimeout {
			remaining := cb.config.RecoveryTimeout - elapsed
			err := newClientError(ErrorTypeCircuitBreaker,
				fmt.Sprintf("circuit breaker is open, recovery in %v", remaining.Round(time.Millisecond)),
				ErrCircuitOpen)
			err.Component = "circuit_breaker"
			err.State = cb.state.String()
			err.RetryAfter = remaining
			cb.metrics.RecordError(ErrorTypeCircuitBreaker, "circuit_breaker")
			return err
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenAttempts = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMaxAttempts {
			err := newClientError(ErrorTypeCircuitBreaker,
				fmt.Sprintf("circuit breaker half-open attempt limit reached (%d)", cb.config.HalfOpenMaxAttempts),
				ErrHalfOpenLimit)
			err.Component = "circuit_breaker"
			err.State = cb.state.String()
			cb.metrics.RecordError(ErrorTypeCircuitBreaker, "circuit_breaker")
			return err
		}
		cb.halfOpenAttempts++
		return nil

	default:
		return newClientError(ErrorTypeUnknown, "circuit breaker in unknown state", nil)
	}
}

// run races op against the operation timeout. The op goroutine writes its
// result to a buffered channel so a result arriving after the timeout is
// dropped rather than delivered twice.
func (cb *CircuitBreaker) run(ctx context.Context, op func(ctx context.Context) error) error {
	timer := cb.clock.Timer(cb.config.Timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return newClientError(ErrorTypeTimeout,
			fmt.Sprintf("operation timed out after %v", cb.config.Timeout), nil)
	case <-ctx.Done():
		return newClientError(ErrorTypeTimeout, "operation cancelled", ctx.Err())
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.lastSuccessTime = cb.clock.Now()

	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateClosed)
		cb.failureCount = 0
		cb.halfOpenAttempts = 0
		cb.armResetTimerLocked()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.clock.Now()
	cb.metrics.RecordCircuitBreakerFailure(cb.name)

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A single failed probe reopens the circuit.
		cb.transitionLocked(StateOpen)
		cb.halfOpenAttempts = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.stateChangedAt = cb.clock.Now()
	cb.metrics.RecordCircuitBreakerState(cb.name, next)
	if cb.logger != nil {
		cb.logger.Info("circuit breaker state change", "from", prev.String(), "to", next.String())
	}
}

// armResetTimerLocked starts the periodic counter reset sweep when
// configured. At most one sweep goroutine runs per breaker.
func (cb *CircuitBreaker) armResetTimerLocked() {
	if cb.config.ResetTimeout <= 0 || cb.resetStop != nil {
		return
	}
	stop := make(chan struct{})
	cb.resetStop = stop

	ticker := cb.clock.Ticker(cb.config.ResetTimeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb.mu.Lock()
				cb.successCount = 0
				cb.totalAttempts = 0
				if cb.state == StateClosed {
					cb.failureCount = 0
				}
				cb.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker counters and timestamps.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		TotalAttempts:    cb.totalAttempts,
		HalfOpenAttempts: cb.halfOpenAttempts,
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		StateChangedAt:   cb.stateChangedAt,
	}
}

// ForceState moves the breaker to the given state. Administrative escape
// hatch for tests and operations.
func (cb *CircuitBreaker) ForceState(state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(state)
	if state == StateHalfOpen {
		cb.halfOpenAttempts = 0
	}
}

// Reset clears all counters, cancels the reset sweep and returns to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stopResetTimerLocked()
	cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalAttempts = 0
	cb.halfOpenAttempts = 0
}

// Close cancels any timers owned by the breaker. The breaker remains usable
// but no longer sweeps counters.
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stopResetTimerLocked()
}

func (cb *CircuitBreaker) stopResetTimerLocked() {
	if cb.resetStop != nil {
		close(cb.resetStop)
		cb.resetStop = nil
	}
}
