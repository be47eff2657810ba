package engine

import (
	"sync"
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
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

// CircuitBreaker isolates a failing marketplace.
//
// Failures while half-open add to the same accumulated count as failures
// while closed. The count is never below the threshold when the breaker
// leaves OPEN, so a failed probe reopens immediately.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	failureThreshold int
	lastFailureTime  time.Time
	timeout          time.Duration
	probeInFlight    bool
	clock            func() time.Time
}

// NewCircuitBreaker returns a closed breaker. A nil clock uses wall time.
func NewCircuitBreaker(threshold int, timeout time.Duration, clock func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		timeout:          timeout,
		clock:            clock,
	}
}

// Call runs fn unless the breaker is open. fn's error is returned unchanged.
func (cb *CircuitBreaker) Call(fn func() error) error {
	probe, err := cb.before()
	if err != nil {
		return err
	}

	callErr := fn()
	cb.after(probe, callErr)
	return callErr
}

func (cb *CircuitBreaker) before() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.lastFailureTime) <= cb.timeout {
			return false, core.ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return false, core.ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) after(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.failureCount = 0
		}
		return
	}

	cb.failureCount++
	cb.lastFailureTime = cb.clock()
	if cb.failureCount >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// State returns the current state without triggering a transition.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the accumulated failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the breaker closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.lastFailureTime = time.Time{}
}
