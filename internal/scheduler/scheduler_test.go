// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSchedStore struct {
	candidates []string
	tier1      []string
	tier2      []string

	partitionCalls []int
	importCutoff   *time.Time
	playlistCutoff *time.Time
	reapedImports  []string
	reapedJobs     []string
}

func (f *fakeSchedStore) SyncCandidates(_ context.Context, _ time.Time) ([]string, error) {
	return f.candidates, nil
}

func (f *fakeSchedStore) UsersByLoginSince(_ context.Context, _, until time.Time) ([]string, error) {
	if until.IsZero() {
		return f.tier1, nil
	}
	return f.tier2, nil
}

func (f *fakeSchedStore) EnsurePartitionsAhead(_ context.Context, _ time.Time, n int) error {
	f.partitionCalls = append(f.partitionCalls, n)
	return nil
}

func (f *fakeSchedStore) ReapStalledImportJobs(_ context.Context, cutoff time.Time) ([]string, error) {
	f.importCutoff = &cutoff
	return f.reapedImports, nil
}

func (f *fakeSchedStore) ReapStalledPlaylistJobs(_ context.Context, cutoff time.Time) ([]string, error) {
	f.playlistCutoff = &cutoff
	return f.reapedJobs, nil
}

type enqueued struct {
	id       string
	priority int
	delay    time.Duration
}

type fakeSchedQueue struct {
	jobs []enqueued
	seen map[string]bool
}

func (f *fakeSchedQueue) Enqueue(_ context.Context, id string, _ any, priority int, delay time.Duration) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	f.jobs = append(f.jobs, enqueued{id: id, priority: priority, delay: delay})
	return true, nil
}

func newScheduler(t *testing.T, st *fakeSchedStore) (*Scheduler, *fakeSchedQueue, *fakeSchedQueue, *miniredis.Miniredis, time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	syncQ := &fakeSchedQueue{}
	topQ := &fakeSchedQueue{}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := New(st, rdb, syncQ, topQ,
		WithClock(func() time.Time { return now }),
		WithJitter(func(time.Duration) time.Duration { return 7 * time.Minute }))
	return s, syncQ, topQ, mr, now
}

func TestSeedSyncEnqueuesCandidates(t *testing.T) {
	st := &fakeSchedStore{candidates: []string{"u1", "u2", "u3"}}
	s, syncQ, _, mr, _ := newScheduler(t, st)

	n, err := s.SeedSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, syncQ.jobs, 3)
	assert.Equal(t, "sync:u1", syncQ.jobs[0].id)

	// The tick left its lock behind with a TTL.
	assert.True(t, mr.Exists("cron:sync:lock"))
	assert.Greater(t, mr.TTL("cron:sync:lock"), time.Duration(0))
}

func TestSeedSyncSkipsWhenLockHeld(t *testing.T) {
	st := &fakeSchedStore{candidates: []string{"u1"}}
	s, syncQ, _, mr, _ := newScheduler(t, st)

	require.NoError(t, mr.Set("cron:sync:lock", "1"))
	n, err := s.SeedSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, syncQ.jobs, "a held lock means another instance owns the tick")
}

func TestSeedTopStatsTiersAndJitter(t *testing.T) {
	st := &fakeSchedStore{tier1: []string{"active"}, tier2: []string{"casual"}}
	s, _, topQ, _, _ := newScheduler(t, st)

	n, err := s.SeedTopStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, topQ.jobs, 2)

	assert.Equal(t, enqueued{id: "topstats:active", priority: 5, delay: 7 * time.Minute}, topQ.jobs[0])
	assert.Equal(t, enqueued{id: "topstats:casual", priority: 3, delay: 7 * time.Minute}, topQ.jobs[1])
}

func TestSeedTopStatsDedupsAcrossTicks(t *testing.T) {
	st := &fakeSchedStore{tier1: []string{"active"}}
	s, _, topQ, _, _ := newScheduler(t, st)

	n, err := s.SeedTopStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second tick finds the job id still pending.
	n, err = s.SeedTopStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, topQ.jobs, 1)
}

func TestManagePartitionsProvisionsAhead(t *testing.T) {
	st := &fakeSchedStore{}
	s, _, _, _, _ := newScheduler(t, st)

	require.NoError(t, s.ManagePartitions(context.Background()))
	assert.Equal(t, []int{PartitionsAhead}, st.partitionCalls)
}

func TestCleanupStaleImportsUsesCutoff(t *testing.T) {
	st := &fakeSchedStore{reapedImports: []string{"imp-1"}}
	s, _, _, _, now := newScheduler(t, st)

	ids, err := s.CleanupStaleImports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"imp-1"}, ids)
	require.NotNil(t, st.importCutoff)
	assert.Equal(t, now.Add(-5*time.Minute), *st.importCutoff)
}

func TestReapStalledPlaylistsUsesHeartbeatCutoff(t *testing.T) {
	st := &fakeSchedStore{reapedJobs: []string{"job-9"}}
	s, _, _, _, now := newScheduler(t, st)

	ids, err := s.ReapStalledPlaylists(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-9"}, ids)
	require.NotNil(t, st.playlistCutoff)
	assert.Equal(t, now.Add(-5*time.Minute), *st.playlistCutoff)
}
