// SPDX-License-Identifier: MIT

// Package queue implements a durable Redis-backed job queue with priorities,
// delayed delivery, idempotent enqueue and cross-worker pausing. Jobs survive
// process restarts; a job disappears only after Complete or after its retry
// budget is exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/metrics"
)

const (
	// DefaultMaxAttempts is the per-job retry budget.
	DefaultMaxAttempts = 5
	// retryBaseDelay is doubled per attempt: 1s, 2s, 4s, 8s.
	retryBaseDelay = time.Second
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue: no job ready")
	// ErrPaused is returned by Dequeue while the queue is paused.
	ErrPaused = errors.New("queue: paused")
)

// Job is one unit of work. Payload is opaque to the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Options configure a queue instance.
type Options struct {
	MaxAttempts int
	Now         func() time.Time
}

// Queue is a named queue over a shared Redis connection.
type Queue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	now         func() time.Time
}

func New(rdb *redis.Client, name string, opts ...func(*Options)) *Queue {
	o := Options{MaxAttempts: DefaultMaxAttempts, Now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Queue{rdb: rdb, name: name, maxAttempts: o.MaxAttempts, now: o.Now}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) func(*Options) {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) func(*Options) {
	return func(o *Options) { o.Now = now }
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string        { return "q:" + q.name + ":ready" }
func (q *Queue) delayedKey() string      { return "q:" + q.name + ":delayed" }
func (q *Queue) seqKey() string          { return "q:" + q.name + ":seq" }
func (q *Queue) pausedKey() string       { return "q:" + q.name + ":paused_until" }
func (q *Queue) deadKey() string         { return "q:" + q.name + ":dead" }
func (q *Queue) jobKey(id string) string { return "q:" + q.name + ":job:" + id }

// readyScore orders the ready set: higher priority first, FIFO within a
// priority. The sequence counter occupies the low digits of the score.
func readyScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// Enqueue adds a job. A job id already known to the queue is dropped and
// reported via the bool return, which makes enqueues idempotent across
// scheduler ticks.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("queue %s: marshal payload: %w", q.name, err)
	}
	now := q.now()
	job := Job{
		ID:          id,
		Queue:       q.name,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  now,
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}

	// SETNX on the job body is the dedup gate: the body exists for exactly
	// as long as the job is pending or in flight.
	ok, err := q.rdb.SetNX(ctx, q.jobKey(id), encoded, 0).Result()
	if err != nil {
		return false, fmt.Errorf("queue %s: enqueue %s: %w", q.name, id, err)
	}
	if !ok {
		return false, nil
	}

	if delay > 0 {
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		}).Err()
	} else {
		err = q.pushReady(ctx, id, priority)
	}
	if err != nil {
		return false, fmt.Errorf("queue %s: enqueue %s: %w", q.name, id, err)
	}
	return true, nil
}

func (q *Queue) pushReady(ctx context.Context, id string, priority int) error {
	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  readyScore(priority, seq),
		Member: id,
	}).Err()
}

// Dequeue promotes due delayed jobs and pops the highest-priority ready job.
// It returns ErrPaused while a pause is active and ErrEmpty when idle; the
// caller owns the poll loop.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if until, paused, err := q.PausedUntil(ctx); err != nil {
		return nil, err
	} else if paused && q.now().Before(until) {
		return nil, ErrPaused
	}

	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(ctx, q.readyKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}
	if len(popped) == 0 {
		return nil, ErrEmpty
	}
	id := popped[0].Member.(string)

	encoded, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		// Body vanished (completed elsewhere or expired); treat as idle.
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: load %s: %w", q.name, id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(encoded), &job); err != nil {
		return nil, fmt.Errorf("queue %s: decode %s: %w", q.name, id, err)
	}
	job.Attempts++
	updated, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue %s: encode %s: %w", q.name, id, err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(id), updated, 0).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: stamp attempt %s: %w", q.name, id, err)
	}
	return &job, nil
}

func (q *Queue) promoteDue(ctx context.Context) error {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: nowMs,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: promote: %w", q.name, err)
	}
	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		encoded, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal([]byte(encoded), &job); err != nil {
			return err
		}
		if err := q.pushReady(ctx, id, job.Priority); err != nil {
			return err
		}
	}
	return nil
}

// Complete acknowledges a job; the id becomes enqueueable again.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	metrics.RecordJob(q.name, "completed")
	return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
}

// Discard drops a job that failed terminally; no retries, the id becomes
// enqueueable again.
func (q *Queue) Discard(ctx context.Context, job *Job) error {
	metrics.RecordJob(q.name, "failed")
	return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
}

// Fail records a failed attempt. While the retry budget lasts, the job is
// redelivered after an exponential delay; afterwards it moves to the dead set.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if job.Attempts >= job.MaxAttempts {
		metrics.RecordJob(q.name, "failed")
		logger := log.WithComponent("queue")
		logger.Error().
			Str("queue", q.name).
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Err(cause).
			Msg("retry budget exhausted, moving job to dead set")
		pipe := q.rdb.TxPipeline()
		pipe.ZAdd(ctx, q.deadKey(), redis.Z{
			Score:  float64(q.now().UnixMilli()),
			Member: job.ID,
		})
		pipe.Del(ctx, q.jobKey(job.ID))
		_, err := pipe.Exec(ctx)
		return err
	}
	metrics.RecordJob(q.name, "retried")
	delay := RetryDelay(job.Attempts)
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Requeue puts an in-flight job back for later delivery without charging its
// retry budget. Used when the job itself is fine but the provider asked us to
// back off.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	job.Attempts--
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// RetryDelay is the redelivery delay after the given attempt count:
// 1s, 2s, 4s, 8s.
func RetryDelay(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// pauseScript sets the pause deadline only when it extends the current one,
// so concurrent pausers cannot shorten an active pause.
var pauseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]))
local until_ms = tonumber(ARGV[1])
if current and current >= until_ms then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Pause blocks dequeues on every worker until the given instant. A later
// deadline always wins over an earlier one.
func (q *Queue) Pause(ctx context.Context, until time.Time) error {
	ttl := until.Sub(q.now())
	if ttl <= 0 {
		return nil
	}
	return pauseScript.Run(ctx, q.rdb, []string{q.pausedKey()},
		until.UnixMilli(), ttl.Milliseconds()).Err()
}

// Resume lifts a pause early.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.pausedKey()).Err()
}

// PausedUntil reports the active pause deadline, if any.
func (q *Queue) PausedUntil(ctx context.Context) (time.Time, bool, error) {
	v, err := q.rdb.Get(ctx, q.pausedKey()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue %s: bad pause value %q", q.name, v)
	}
	return time.UnixMilli(ms), true, nil
}

// Depth reports pending jobs (ready + delayed) and feeds the gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	depth := ready.Val() + delayed.Val()
	metrics.SetQueueDepth(q.name, depth)
	return depth, nil
}
