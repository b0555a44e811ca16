// SPDX-License-Identifier: MIT

// Package resilience guards provider calls with per-service circuit breakers.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/auralog/auralog/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrBreakerOpen is returned when the breaker short-circuits a request.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker is a per-service-key state machine. Keys group endpoints by
// failure domain so a rate storm on one does not trip another.
//
// CLOSED passes requests and counts qualifying failures; at the threshold it
// opens. OPEN short-circuits with ErrBreakerOpen until the reset timeout, then
// admits exactly one probe (HALF_OPEN). A successful probe closes the breaker,
// a failed one re-opens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	key          string
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool // a half-open probe is in flight
	clock        clock

	// shouldCount decides whether an error is breaker-meaningful.
	shouldCount func(error) bool
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock injects a test clock.
func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithShouldCount sets the failure filter. Errors for which fn returns false
// pass through without moving the state machine.
func WithShouldCount(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.shouldCount = fn }
}

// NewCircuitBreaker creates a breaker for one service key.
func NewCircuitBreaker(key string, threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		key:          key,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        realClock{},
		shouldCount:  func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.SetCircuitBreakerState(cb.key, string(cb.state))
	return cb
}

// Execute runs fn respecting the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.allowRequest()
	if !ok {
		return ErrBreakerOpen
	}

	err := fn()

	if err != nil && cb.shouldCount(err) {
		cb.recordFailure()
		return err
	}
	if err != nil {
		// Not breaker-meaningful; a half-open probe that fails this way still
		// releases the probe slot without deciding the state.
		if probe {
			cb.releaseProbe()
		}
		return err
	}
	cb.recordSuccess()
	return nil
}

// allowRequest reports whether the call may proceed and whether it is the
// half-open probe.
func (cb *CircuitBreaker) allowRequest() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.probing = true
			return true, true
		}
		return false, false
	default: // StateHalfOpen: admit exactly one probe
		if cb.probing {
			return false, false
		}
		cb.probing = true
		return true, true
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false

	if cb.state == StateHalfOpen {
		metrics.RecordCircuitBreakerTrip(cb.key, "half_open_failure")
		cb.transitionTo(StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.threshold {
		metrics.RecordCircuitBreakerTrip(cb.key, "threshold_exceeded")
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.key, string(newState))
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
