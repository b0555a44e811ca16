// SPDX-License-Identifier: MIT

package playlist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/store"
)

const (
	// MaxPendingJobs is the per-user cap on simultaneously queued or
	// running playlist jobs.
	MaxPendingJobs = 5
	// MaxHourlyJobs is the per-user cap on creations per hour.
	MaxHourlyJobs = 10

	slotTTL = time.Hour
)

func pendingKey(userID string) string { return "playlist_rate:pending:" + userID }
func hourlyKey(userID string) string  { return "playlist_rate:hourly:" + userID }

// SlotStore is the Postgres fallback used when the shared store is down.
type SlotStore interface {
	CountPlaylistJobs(ctx context.Context, userID string, statuses []store.PlaylistJobStatus, since time.Time) (int, error)
}

// Slots is the per-user admission control for playlist creation. Counters
// live in the shared store so every instance sees them; acquire/release are
// single INCR/DECR primitives with DECR rollback on rejection.
type Slots struct {
	rdb      *redis.Client
	fallback SlotStore
	now      func() time.Time
}

func NewSlots(rdb *redis.Client, fallback SlotStore) *Slots {
	return &Slots{rdb: rdb, fallback: fallback, now: time.Now}
}

// TryAcquire claims one pending slot and one hourly slot, rolling back on
// either limit. The bool reports whether the request is admitted.
func (s *Slots) TryAcquire(ctx context.Context, userID string) (bool, error) {
	pending, err := s.rdb.Incr(ctx, pendingKey(userID)).Result()
	if err != nil {
		return s.fallbackCheck(ctx, userID, err)
	}
	if pending == 1 {
		// Safety TTL so a crashed worker cannot wedge the user forever.
		s.rdb.Expire(ctx, pendingKey(userID), slotTTL)
	}
	if pending > MaxPendingJobs {
		s.rdb.Decr(ctx, pendingKey(userID))
		return false, nil
	}

	hourly, err := s.rdb.Incr(ctx, hourlyKey(userID)).Result()
	if err != nil {
		s.rdb.Decr(ctx, pendingKey(userID))
		return s.fallbackCheck(ctx, userID, err)
	}
	if hourly == 1 {
		s.rdb.Expire(ctx, hourlyKey(userID), slotTTL)
	}
	if hourly > MaxHourlyJobs {
		s.rdb.Decr(ctx, hourlyKey(userID))
		s.rdb.Decr(ctx, pendingKey(userID))
		return false, nil
	}
	return true, nil
}

// Release frees a pending slot when a job reaches a terminal state. A
// negative counter (TTL expiry raced a release) is clamped back to zero.
func (s *Slots) Release(ctx context.Context, userID string) {
	n, err := s.rdb.Decr(ctx, pendingKey(userID)).Result()
	if err != nil {
		logger := log.WithComponent("playlist")
		logger.Warn().Err(err).Str("user_id", userID).
			Msg("slot release failed")
		return
	}
	if n < 0 {
		s.rdb.Set(ctx, pendingKey(userID), 0, slotTTL)
	}
}

// fallbackCheck approximates the two limits from playlist_jobs rows when the
// shared store is unreachable.
func (s *Slots) fallbackCheck(ctx context.Context, userID string, cause error) (bool, error) {
	logger := log.WithComponent("playlist")
	logger.Warn().Err(cause).Str("user_id", userID).
		Msg("shared store unavailable, falling back to database slot counting")
	pending, err := s.fallback.CountPlaylistJobs(ctx, userID, []store.PlaylistJobStatus{
		store.PlaylistPending, store.PlaylistCreating,
		store.PlaylistAddingTracks, store.PlaylistUploadingImage,
	}, s.now().Add(-slotTTL))
	if err != nil {
		return false, err
	}
	if pending >= MaxPendingJobs {
		return false, nil
	}
	hourly, err := s.fallback.CountPlaylistJobs(ctx, userID, []store.PlaylistJobStatus{
		store.PlaylistPending, store.PlaylistCreating, store.PlaylistAddingTracks,
		store.PlaylistUploadingImage, store.PlaylistCompleted, store.PlaylistFailed,
	}, s.now().Add(-time.Hour))
	if err != nil {
		return false, err
	}
	return hourly < MaxHourlyJobs, nil
}
