// SPDX-License-Identifier: MIT

// Package ratelimit provides the process-wide adaptive limiter that all
// workers share one upstream rate budget through.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/auralog/auralog/internal/metrics"
	"golang.org/x/time/rate"
)

// Defaults for the shared limiter.
const (
	InitialRate            rate.Limit = 2
	MinRate                rate.Limit = 0.5
	BurstCapacity                     = 5
	RecoveryFactor                    = 1.25
	SuccessStreakThreshold            = 20
)

// Config tunes an Adaptive limiter; the zero value selects the defaults.
type Config struct {
	InitialRate rate.Limit
	MinRate     rate.Limit
	Burst       int
	Recovery    float64
	StreakEvery int
	Now         func() time.Time                                  // test hook
	Sleep       func(ctx context.Context, d time.Duration) error // test hook
}

// Adaptive is a token bucket that backs off multiplicatively on provider 429s
// and recovers gradually on success streaks. A single instance is shared
// process-wide; all methods are safe for concurrent use.
//
// Token refill and burst accounting live in the underlying rate.Limiter;
// adaptation happens by moving its limit.
type Adaptive struct {
	mu          sync.Mutex
	bucket      *rate.Limiter
	initial     rate.Limit
	min         rate.Limit
	recovery    float64
	streakEvery int

	streak     int
	pauseUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an adaptive limiter.
func New(cfg Config) *Adaptive {
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = InitialRate
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = MinRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = BurstCapacity
	}
	if cfg.Recovery <= 1 {
		cfg.Recovery = RecoveryFactor
	}
	if cfg.StreakEvery <= 0 {
		cfg.StreakEvery = SuccessStreakThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	a := &Adaptive{
		bucket:      rate.NewLimiter(cfg.InitialRate, cfg.Burst),
		initial:     cfg.InitialRate,
		min:         cfg.MinRate,
		recovery:    cfg.Recovery,
		streakEvery: cfg.StreakEvery,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
	}
	metrics.SetLimiterRate(float64(cfg.InitialRate))
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until a token is available. If the limiter is paused it
// sleeps through the pause window first.
func (a *Adaptive) Acquire(ctx context.Context) error {
	for {
		a.mu.Lock()
		wait := a.pauseUntil.Sub(a.now())
		a.mu.Unlock()
		if wait <= 0 {
			break
		}
		if err := a.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return a.bucket.Wait(ctx)
}

// RecordSuccess advances the streak; every full streak multiplies the rate by
// the recovery factor, capped at the initial rate.
func (a *Adaptive) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streak++
	if a.streak%a.streakEvery != 0 {
		return
	}
	next := rate.Limit(float64(a.bucket.Limit()) * a.recovery)
	if next > a.initial {
		next = a.initial
	}
	a.setRate(next)
}

// HandleRateLimit halves the rate (floored at the minimum), clears the streak
// and pauses every acquirer until now + retryAfter.
func (a *Adaptive) HandleRateLimit(retryAfterSeconds int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.bucket.Limit() / 2
	if next < a.min {
		next = a.min
	}
	a.setRate(next)
	a.streak = 0
	until := a.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	if until.After(a.pauseUntil) {
		a.pauseUntil = until
	}
}

// Rate returns the current request rate.
func (a *Adaptive) Rate() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucket.Limit()
}

// PausedUntil returns the end of the current pause window (zero when unpaused).
func (a *Adaptive) PausedUntil() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pauseUntil
}

// setRate requires a.mu held.
func (a *Adaptive) setRate(r rate.Limit) {
	a.bucket.SetLimit(r)
	metrics.SetLimiterRate(float64(r))
}
