// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	UserID string `json:"user_id"`
}

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Now()
	q := New(rdb, "sync", WithClock(func() time.Time { return now }))
	return q, &now
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "job-1", testPayload{UserID: "u1"}, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 1, job.Attempts)

	var p testPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "u1", p.UserID)

	require.NoError(t, q.Complete(ctx, job))
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEnqueueDeduplicatesByJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "job-1", testPayload{UserID: "u1"}, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "job-1", testPayload{UserID: "u1"}, 0, 0)
	require.NoError(t, err)
	assert.False(t, ok, "second enqueue with the same id must be dropped")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// After completion the id is usable again.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	ok, err = q.Enqueue(ctx, "job-1", testPayload{UserID: "u1"}, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "low-1", testPayload{}, 0, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "high", testPayload{}, 10, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "low-2", testPayload{}, 0, 0)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, job.ID)
		require.NoError(t, q.Complete(ctx, job))
	}
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order,
		"higher priority first, FIFO within a priority")
}

func TestDelayedDeliveryHonorsClock(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "later", testPayload{}, 0, 30*time.Second)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "delayed job must not surface early")

	*now = now.Add(31 * time.Second)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", job.ID)
}

func TestFailSchedulesExponentialRetry(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "flaky", testPayload{}, 0, 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("boom")))

	// First retry comes after 1s.
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	*now = now.Add(1100 * time.Millisecond)
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	// Second retry doubles to 2s.
	require.NoError(t, q.Fail(ctx, job, errors.New("boom")))
	*now = now.Add(1100 * time.Millisecond)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	*now = now.Add(time.Second)
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
}

func TestRetryBudgetExhaustionMovesToDeadSet(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doomed", testPayload{}, 0, 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, job, errors.New("boom")))
		*now = now.Add(RetryDelay(attempt) + 100*time.Millisecond)
	}

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "exhausted job must not be redelivered")

	// Exhaustion frees the id for a fresh enqueue.
	ok, err := q.Enqueue(ctx, "doomed", testPayload{}, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPauseBlocksAllDequeues(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, 0, 0)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx, now.Add(time.Minute)))
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrPaused)

	// An earlier deadline must not shorten the active pause.
	require.NoError(t, q.Pause(ctx, now.Add(10*time.Second)))
	until, paused, err := q.PausedUntil(ctx)
	require.NoError(t, err)
	require.True(t, paused)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), until.UnixMilli())

	require.NoError(t, q.Resume(ctx))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
}

func TestPauseConcurrentPausersKeepLatestDeadline(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Now()
	clock := func() time.Time { return now }
	qa := New(rdb, "sync", WithClock(clock))
	qb := New(rdb, "sync", WithClock(clock))
	ctx := context.Background()

	// Workers on separate connections racing Pause: whatever the interleaving,
	// the latest deadline must stick.
	var wg sync.WaitGroup
	deadlines := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Second, 2 * time.Minute}
	for i, d := range deadlines {
		q := qa
		if i%2 == 1 {
			q = qb
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Pause(ctx, now.Add(d)))
		}()
	}
	wg.Wait()

	until, paused, err := qa.PausedUntil(ctx)
	require.NoError(t, err)
	require.True(t, paused)
	assert.Equal(t, now.Add(5*time.Minute).UnixMilli(), until.UnixMilli())
}

func TestRequeueDoesNotChargeRetryBudget(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, 0, 0)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Requeue(ctx, job, 30*time.Second))
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "requeued job waits out its delay")

	*now = now.Add(31 * time.Second)
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts, "redelivery after a backoff is still the first attempt")
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, RetryDelay(1))
	assert.Equal(t, 2*time.Second, RetryDelay(2))
	assert.Equal(t, 4*time.Second, RetryDelay(3))
	assert.Equal(t, 8*time.Second, RetryDelay(4))
}
