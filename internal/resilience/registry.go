// SPDX-License-Identifier: MIT

package resilience

import (
	"sync"
	"time"
)

// Registry hands out one breaker per service key. Keys group provider
// endpoints by failure domain: "player", "top", "catalog", "playlist".
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	opts     []Option

	threshold    int
	resetTimeout time.Duration
}

// NewRegistry creates a breaker registry; opts apply to every breaker it creates.
func NewRegistry(threshold int, resetTimeout time.Duration, opts ...Option) *Registry {
	return &Registry{
		breakers:     make(map[string]*CircuitBreaker),
		opts:         opts,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// For returns the breaker for key, creating it on first use.
func (r *Registry) For(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, r.threshold, r.resetTimeout, r.opts...)
		r.breakers[key] = cb
	}
	return cb
}
