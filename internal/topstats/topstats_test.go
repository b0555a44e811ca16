// SPDX-License-Identifier: MIT

package topstats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

type fakeTopStore struct {
	mu       sync.Mutex
	user     store.User
	entries  []store.TopEntry
	stamped  *time.Time
	commits  int
	failNext bool
}

func (f *fakeTopStore) GetUser(_ context.Context, _ string) (*store.User, error) {
	u := f.user
	return &u, nil
}

func (f *fakeTopStore) ReplaceTopEntries(_ context.Context, _ string, entries []store.TopEntry, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("commit failed")
	}
	f.entries = entries
	f.stamped = &at
	f.commits++
	return nil
}

func (f *fakeTopStore) TopEntriesDetailed(_ context.Context, _ string, term store.Term, kind store.TopEntryKind) ([]store.TopEntryDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TopEntryDetail
	for _, e := range f.entries {
		if e.Term == term && e.Kind == kind {
			out = append(out, store.TopEntryDetail{Rank: e.Rank})
		}
	}
	return out, nil
}

type fakeTopCatalog struct{}

func (fakeTopCatalog) UpsertTracks(_ context.Context, tracks []spotify.Track) (map[string]int64, error) {
	out := map[string]int64{}
	for i, t := range tracks {
		if t.ID != "" {
			out[t.ID] = int64(i + 1)
		}
	}
	return out, nil
}

func (fakeTopCatalog) UpsertArtists(_ context.Context, artists []spotify.Artist) (map[string]int64, error) {
	out := map[string]int64{}
	for i, a := range artists {
		if a.ID != "" {
			out[a.ID] = int64(1000 + i)
		}
	}
	return out, nil
}

type fakeTopProvider struct {
	mu       sync.Mutex
	calls    int
	failTerm spotify.Term
}

func (f *fakeTopProvider) TopTracks(_ context.Context, _ string, term spotify.Term, _ int) ([]spotify.Track, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if term == f.failTerm {
		return nil, &spotify.Error{Sentinel: spotify.ErrProviderDown, Operation: "top-tracks", Status: 502}
	}
	var out []spotify.Track
	for i := 0; i < 3; i++ {
		out = append(out, spotify.Track{ID: fmt.Sprintf("%s-t%d", term, i), Name: "t"})
	}
	return out, nil
}

func (f *fakeTopProvider) TopArtists(_ context.Context, _ string, term spotify.Term, _ int) ([]spotify.Artist, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	var out []spotify.Artist
	for i := 0; i < 2; i++ {
		out = append(out, spotify.Artist{ID: fmt.Sprintf("%s-a%d", term, i), Name: "a"})
	}
	return out, nil
}

type fakeTopQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeTopQueue) Enqueue(_ context.Context, id string, _ any, _ int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, id)
	return true, nil
}

func TestRefreshBuildsAllSixLists(t *testing.T) {
	s := &fakeTopStore{}
	p := &fakeTopProvider{}
	now := time.Now()
	r := New(s, fakeTopCatalog{}, p, &fakeTopQueue{}, WithClock(func() time.Time { return now }))

	require.NoError(t, r.Refresh(context.Background(), "tok", "u1"))
	assert.Equal(t, 6, p.calls)
	assert.Len(t, s.entries, 3*3+3*2, "3 tracks + 2 artists per term")
	require.NotNil(t, s.stamped)
	assert.Equal(t, now, *s.stamped)

	// Ranks are 1-based and contiguous per (term, kind).
	byKey := map[string][]int{}
	for _, e := range s.entries {
		k := string(e.Term) + "/" + string(e.Kind)
		byKey[k] = append(byKey[k], e.Rank)
	}
	for k, ranks := range byKey {
		for i, rank := range ranks {
			assert.Equal(t, i+1, rank, "key %s", k)
		}
	}
}

func TestRefreshFailsWithoutCommitWhenAnyFetchFails(t *testing.T) {
	s := &fakeTopStore{}
	p := &fakeTopProvider{failTerm: spotify.TermMedium}
	r := New(s, fakeTopCatalog{}, p, &fakeTopQueue{})

	err := r.Refresh(context.Background(), "tok", "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, spotify.ErrProviderDown)
	assert.Zero(t, s.commits, "a failed fetch must not touch the stored ranks")
}

func TestRefreshHonorsCancellationBeforeCommit(t *testing.T) {
	s := &fakeTopStore{}
	r := New(s, fakeTopCatalog{}, &fakeTopProvider{}, &fakeTopQueue{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Refresh(ctx, "tok", "u1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.commits)
}

func TestTier(t *testing.T) {
	now := time.Now()
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }

	assert.Equal(t, 1, Tier(ago(time.Hour), now))
	assert.Equal(t, 1, Tier(ago(47*time.Hour), now))
	assert.Equal(t, 2, Tier(ago(3*24*time.Hour), now))
	assert.Equal(t, 3, Tier(ago(8*24*time.Hour), now))
	assert.Equal(t, 3, Tier(nil, now))
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Now()
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }

	tests := []struct {
		name      string
		lastLogin *time.Time
		refreshed *time.Time
		want      bool
	}{
		{"never refreshed", ago(time.Hour), nil, true},
		{"tier1 fresh", ago(time.Hour), ago(23 * time.Hour), false},
		{"tier1 stale", ago(time.Hour), ago(25 * time.Hour), true},
		{"tier2 fresh at 48h", ago(3 * 24 * time.Hour), ago(48 * time.Hour), false},
		{"tier2 stale at 73h", ago(3 * 24 * time.Hour), ago(73 * time.Hour), true},
		{"tier3 stale at 25h", ago(30 * 24 * time.Hour), ago(25 * time.Hour), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := &store.User{LastLoginAt: tc.lastLogin, TopStatsRefreshedAt: tc.refreshed}
			assert.Equal(t, tc.want, NeedsRefresh(u, now))
		})
	}
}

func TestTriggerLazyRefreshIfStale(t *testing.T) {
	now := time.Now()
	login := now.Add(-time.Hour)
	q := &fakeTopQueue{}
	s := &fakeTopStore{user: store.User{ID: "u1", LastLoginAt: &login}}
	r := New(s, fakeTopCatalog{}, &fakeTopProvider{}, q, WithClock(func() time.Time { return now }))

	r.TriggerLazyRefreshIfStale(context.Background(), "u1")
	assert.Equal(t, []string{"topstats:u1"}, q.jobs)

	// Fresh cache: no enqueue.
	fresh := now.Add(-time.Minute)
	s.user.TopStatsRefreshedAt = &fresh
	r.TriggerLazyRefreshIfStale(context.Background(), "u1")
	assert.Len(t, q.jobs, 1)
}

func TestEnsureTopTracksCachedRefreshesWhenOld(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	login := now.Add(-time.Hour)
	s := &fakeTopStore{user: store.User{ID: "u1", LastLoginAt: &login, TopStatsRefreshedAt: &old}}
	p := &fakeTopProvider{}
	r := New(s, fakeTopCatalog{}, p, &fakeTopQueue{}, WithClock(func() time.Time { return now }))

	details, err := r.EnsureTopTracksCached(context.Background(), "tok", "u1", store.TermShort)
	require.NoError(t, err)
	assert.Equal(t, 1, s.commits, "stale cache forces a synchronous refresh")
	assert.Len(t, details, 3)
}

func TestEnsureTopTracksCachedUsesFreshCache(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-30 * time.Minute)
	s := &fakeTopStore{
		user: store.User{ID: "u1", TopStatsRefreshedAt: &fresh},
		entries: []store.TopEntry{
			{UserID: "u1", Term: store.TermShort, Kind: store.TopTracks, Rank: 1, EntityID: 7},
		},
	}
	p := &fakeTopProvider{}
	r := New(s, fakeTopCatalog{}, p, &fakeTopQueue{}, WithClock(func() time.Time { return now }))

	details, err := r.EnsureTopTracksCached(context.Background(), "tok", "u1", store.TermShort)
	require.NoError(t, err)
	assert.Zero(t, p.calls, "fresh cache must not hit the provider")
	assert.Len(t, details, 1)
}
