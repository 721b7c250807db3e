package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the current circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards a risky operation. It opens after a configured number
// of consecutive failures within a window, rejects calls while open, and
// probes recovery through a half-open state after a cooldown. One success
// closes it; a failure in half-open reopens it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	window           time.Duration
	cooldown         time.Duration
	firstFailureAt   time.Time
	openedAt         time.Time
	now              func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(failureThreshold int, window, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		window:           window,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Execute runs op through the breaker. While open it returns ErrCircuitOpen
// without invoking op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := op()
	cb.Record(err == nil)
	return err
}

// Allow reports whether a call may proceed, transitioning open breakers to
// half-open once the cooldown elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// Record feeds the outcome of a permitted call back into the breaker.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}

	now := cb.now()
	if cb.state == BreakerHalfOpen {
		cb.open(now)
		return
	}

	// Consecutive failures count only within the window.
	if cb.failures == 0 || (cb.window > 0 && now.Sub(cb.firstFailureAt) > cb.window) {
		cb.failures = 0
		cb.firstFailureAt = now
	}
	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.open(now)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = BreakerOpen
	cb.openedAt = now
	cb.failures = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
