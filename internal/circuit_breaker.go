package internal

import (
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards the store connection. It opens for openDuration after
// threshold failures within window, then lets a single trial call through.
// A nil breaker never opens.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     []time.Time
	threshold    int
	window       time.Duration
	openDuration time.Duration
	openUntil    time.Time
	trial        bool
	now          func() time.Time
}

// NewCircuitBreaker creates a configured circuit breaker.
func NewCircuitBreaker(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		failures:     make([]time.Time, 0, threshold),
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. After the open period exactly one
// caller is admitted until it records its outcome.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	}
	return false
}

// RecordFailure records a failed call; a failed trial reopens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.trial {
		cb.trial = false
		cb.openUntil = now.Add(cb.openDuration)
		return
	}
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, f := range cb.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	cb.failures = append(kept, now)
	if len(cb.failures) >= cb.threshold {
		cb.openUntil = now.Add(cb.openDuration)
		cb.failures = cb.failures[:0]
	}
}

// RecordSuccess closes the breaker and forgets past failures.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.openUntil = time.Time{}
	cb.trial = false
}

// Release ends a trial call without an outcome, e.g. when the caller gave up.
func (cb *CircuitBreaker) Release() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case cb.openUntil.IsZero():
		return BreakerClosed
	case cb.now().Before(cb.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}
