// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/queue"
	"github.com/auralog/auralog/internal/spotify"
)

const (
	defaultPollInterval = time.Second
	depthReportInterval = 15 * time.Second

	// requeueJitterMax is added on top of Retry-After when a 429 puts a job
	// back, so paused workers do not stampede at the same instant.
	requeueJitterMax = 3 * time.Second
)

// ErrTerminal wraps handler errors that must consume the job instead of
// retrying it. The owning database row carries the user-visible failure.
var ErrTerminal = errors.New("worker: terminal job failure")

// Terminal marks err as non-retryable for the pool.
func Terminal(err error) error {
	return fmt.Errorf("%w: %v", ErrTerminal, err)
}

// Handler processes one dequeued job.
type Handler func(ctx context.Context, job *queue.Job) error

// Pool runs a fixed number of consumers against one queue and routes handler
// errors: nil completes, ErrTerminal discards, 429 pauses the whole queue and
// requeues, anything else charges the retry budget.
type Pool struct {
	name        string
	queue       *queue.Queue
	handler     Handler
	concurrency int
	jobLimiter  *rate.Limiter
	poll        time.Duration

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithJobRate throttles dequeues (e.g. 10 playlist jobs per minute).
func WithJobRate(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.jobLimiter = rate.NewLimiter(r, burst) }
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.poll = d }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// WithSleep overrides blocking waits in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PoolOption {
	return func(p *Pool) { p.sleep = fn }
}

// WithJitter overrides the requeue delay spread in tests.
func WithJitter(fn func(max time.Duration) time.Duration) PoolOption {
	return func(p *Pool) { p.jitter = fn }
}

func NewPool(name string, q *queue.Queue, handler Handler, concurrency int, opts ...PoolOption) *Pool {
	p := &Pool{
		name:        name,
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		poll:        defaultPollInterval,
		now:         time.Now,
		sleep:       sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
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

// Run blocks until ctx is cancelled and every consumer has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportDepth(ctx)
	}()
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	logger := log.WithComponent("worker").With().Str("pool", p.name).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		if p.jobLimiter != nil {
			if err := p.jobLimiter.Wait(ctx); err != nil {
				return
			}
		}
		job, err := p.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrPaused):
			if p.sleep(ctx, p.poll) != nil {
				return
			}
			continue
		case err != nil:
			logger.Error().Err(err).Msg("dequeue failed")
			if p.sleep(ctx, p.poll) != nil {
				return
			}
			continue
		}
		p.dispatch(ctx, job, logger)
	}
}

func (p *Pool) dispatch(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	// Handlers and the domain code under them correlate their log lines
	// through the job id.
	err := p.handler(log.ContextWithJobID(ctx, job.ID), job)
	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			logger.Error().Err(cerr).Str("job_id", job.ID).Msg("complete failed")
		}

	case errors.Is(err, ErrTerminal):
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("job failed terminally")
		if derr := p.queue.Discard(ctx, job); derr != nil {
			logger.Error().Err(derr).Str("job_id", job.ID).Msg("discard failed")
		}

	case errors.Is(err, spotify.ErrRateLimited):
		p.handleRateLimit(ctx, job, err, logger)

	default:
		logger.Warn().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).
			Msg("job attempt failed")
		if ferr := p.queue.Fail(ctx, job, err); ferr != nil {
			logger.Error().Err(ferr).Str("job_id", job.ID).Msg("fail failed")
		}
	}
}

// handleRateLimit pauses the whole queue for the provider's Retry-After window
// and puts the job back without charging its budget. The resume fires only if
// no later pauser superseded this one.
func (p *Pool) handleRateLimit(ctx context.Context, job *queue.Job, cause error, logger zerolog.Logger) {
	sec, _ := spotify.RetryAfter(cause)
	wait := time.Duration(sec) * time.Second
	until := p.now().Add(wait)

	logger.Warn().Str("job_id", job.ID).Int("retry_after_s", sec).
		Msg("provider rate limit, pausing queue")

	if err := p.queue.Pause(ctx, until); err != nil {
		logger.Error().Err(err).Msg("pause failed")
	}
	if err := p.queue.Requeue(ctx, job, wait+p.jitter(requeueJitterMax)); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue failed")
	}

	go func() {
		if p.sleep(ctx, wait) != nil {
			return
		}
		stored, paused, err := p.queue.PausedUntil(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("pause lookup failed")
			return
		}
		if paused && stored.After(until) {
			// A later pauser owns the resume.
			return
		}
		if err := p.queue.Resume(ctx); err != nil {
			logger.Error().Err(err).Msg("resume failed")
		}
	}()
}

func (p *Pool) reportDepth(ctx context.Context) {
	logger := log.WithComponent("worker")
	ticker := time.NewTicker(depthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.Depth(ctx); err != nil {
				logger.Debug().Err(err).
					Str("pool", p.name).Msg("depth report failed")
			}
		}
	}
}
