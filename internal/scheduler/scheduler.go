// SPDX-License-Identifier: MIT

// Package scheduler seeds the periodic background work: sync jobs for eligible
// users, tiered top-stats refreshes, partition provisioning and the stale-job
// reapers. It is driven from the outside by cron-style HTTP calls; nothing in
// here owns a timer.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/auralog/auralog/internal/ingest"
	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/playlist"
	"github.com/auralog/auralog/internal/topstats"
)

const (
	// syncLockKey serializes seed-sync across instances; whoever sets it
	// owns the tick, everyone else skips.
	syncLockKey = "cron:sync:lock"
	syncLockTTL = 240 * time.Second

	// PartitionsAhead is how many future months are provisioned per tick.
	PartitionsAhead = 4

	importStaleAfter = 5 * time.Minute

	// topSeedJitterMax spreads the tiered refreshes over the window so one
	// tick does not burst the provider.
	topSeedJitterMax = 4 * time.Hour

	tier1Priority = 5
	tier2Priority = 3
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	SyncCandidates(ctx context.Context, now time.Time) ([]string, error)
	UsersByLoginSince(ctx context.Context, since, until time.Time) ([]string, error)
	EnsurePartitionsAhead(ctx context.Context, now time.Time, n int) error
	ReapStalledImportJobs(ctx context.Context, cutoff time.Time) ([]string, error)
	ReapStalledPlaylistJobs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error)
}

// Scheduler owns the cron-triggered seeding operations.
type Scheduler struct {
	store     Store
	rdb       *redis.Client
	syncQueue Enqueuer
	topQueue  Enqueuer
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJitter overrides the delay spread in tests.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(s *Scheduler) { s.jitter = fn }
}

func New(st Store, rdb *redis.Client, syncQueue, topQueue Enqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		rdb:       rdb,
		syncQueue: syncQueue,
		topQueue:  topQueue,
		now:       time.Now,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SeedSync enqueues a sync job for every eligible user. A distributed lock
// makes concurrent ticks from multiple instances a no-op; the lock expires on
// its own rather than being released.
func (s *Scheduler) SeedSync(ctx context.Context) (int, error) {
	logger := log.WithComponent("scheduler")

	acquired, err := s.rdb.SetNX(ctx, syncLockKey, "1", syncLockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("scheduler: sync lock: %w", err)
	}
	if !acquired {
		logger.Debug().Msg("seed-sync lock held elsewhere, skipping tick")
		return 0, nil
	}

	users, err := s.store.SyncCandidates(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("scheduler: sync candidates: %w", err)
	}
	enqueued := 0
	for _, uid := range users {
		ok, err := s.syncQueue.Enqueue(ctx, "sync:"+uid, ingest.SyncJob{UserID: uid}, 0, 0)
		if err != nil {
			logger.Error().Err(err).Str("user_id", uid).Msg("seed-sync enqueue failed")
			continue
		}
		if ok {
			enqueued++
		}
	}
	logger.Info().Int("candidates", len(users)).Int("enqueued", enqueued).Msg("seed-sync tick")
	return enqueued, nil
}

// SeedTopStats enqueues refresh jobs for tier-1 and tier-2 users, spread over
// the jitter window. Dormant users are refreshed lazily on read instead.
func (s *Scheduler) SeedTopStats(ctx context.Context) (int, error) {
	logger := log.WithComponent("scheduler")
	now := s.now()

	tier1, err := s.store.UsersByLoginSince(ctx, now.Add(-48*time.Hour), time.Time{})
	if err != nil {
		return 0, fmt.Errorf("scheduler: tier-1 users: %w", err)
	}
	tier2, err := s.store.UsersByLoginSince(ctx, now.Add(-7*24*time.Hour), now.Add(-48*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("scheduler: tier-2 users: %w", err)
	}

	enqueued := 0
	enqueued += s.enqueueRefreshes(ctx, logger, tier1, tier1Priority)
	enqueued += s.enqueueRefreshes(ctx, logger, tier2, tier2Priority)
	logger.Info().Int("tier1", len(tier1)).Int("tier2", len(tier2)).
		Int("enqueued", enqueued).Msg("seed-top-stats tick")
	return enqueued, nil
}

func (s *Scheduler) enqueueRefreshes(ctx context.Context, logger zerolog.Logger, users []string, priority int) int {
	enqueued := 0
	for _, uid := range users {
		ok, err := s.topQueue.Enqueue(ctx, topstats.JobID(uid),
			topstats.RefreshJob{UserID: uid}, priority, s.jitter(topSeedJitterMax))
		if err != nil {
			logger.Error().Err(err).Str("user_id", uid).Msg("seed-top-stats enqueue failed")
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued
}

// ManagePartitions provisions the listening-event partitions for the current
// and next months. Idempotent.
func (s *Scheduler) ManagePartitions(ctx context.Context) error {
	if err := s.store.EnsurePartitionsAhead(ctx, s.now(), PartitionsAhead); err != nil {
		return fmt.Errorf("scheduler: partitions: %w", err)
	}
	return nil
}

// CleanupStaleImports fails import jobs stuck for over five minutes.
func (s *Scheduler) CleanupStaleImports(ctx context.Context) ([]string, error) {
	ids, err := s.store.ReapStalledImportJobs(ctx, s.now().Add(-importStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("scheduler: stale imports: %w", err)
	}
	if len(ids) > 0 {
		logger := log.WithComponent("scheduler")
		logger.Warn().Strs("job_ids", ids).Msg("failed stale import jobs")
	}
	return ids, nil
}

// ReapStalledPlaylists fails playlist jobs whose heartbeat stopped.
func (s *Scheduler) ReapStalledPlaylists(ctx context.Context) ([]string, error) {
	ids, err := s.store.ReapStalledPlaylistJobs(ctx, s.now().Add(-playlist.StallCutoff))
	if err != nil {
		return nil, fmt.Errorf("scheduler: stale playlists: %w", err)
	}
	if len(ids) > 0 {
		logger := log.WithComponent("scheduler")
		logger.Warn().Strs("job_ids", ids).Msg("failed stalled playlist jobs")
	}
	return ids, nil
}
