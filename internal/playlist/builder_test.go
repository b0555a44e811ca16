// SPDX-License-Identifier: MIT

package playlist

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

type fakeBuilderStore struct {
	job      store.PlaylistJob
	user     store.User
	statuses []store.PlaylistJobStatus
	total    int
	added    []int
	failed   *string
	complete bool
	procTime time.Duration

	allTime []store.Track
	recent  []store.RecentEvent
	tracks  map[int64]store.Track
}

func (f *fakeBuilderStore) GetUser(_ context.Context, _ string) (*store.User, error) {
	u := f.user
	return &u, nil
}

func (f *fakeBuilderStore) GetPlaylistJob(_ context.Context, _ string) (*store.PlaylistJob, error) {
	j := f.job
	return &j, nil
}

func (f *fakeBuilderStore) SetPlaylistJobStatus(_ context.Context, _ string, st store.PlaylistJobStatus) error {
	f.statuses = append(f.statuses, st)
	f.job.Status = st
	return nil
}

func (f *fakeBuilderStore) SetProviderPlaylist(_ context.Context, _, id, url string) error {
	if f.job.SpotifyPlaylistID == nil {
		f.job.SpotifyPlaylistID = &id
		f.job.SpotifyPlaylistURL = &url
	}
	return nil
}

func (f *fakeBuilderStore) SetPlaylistTrackTotals(_ context.Context, _ string, total int) error {
	f.total = total
	return nil
}

func (f *fakeBuilderStore) SetAddedTracks(_ context.Context, _ string, added int) error {
	f.added = append(f.added, added)
	f.job.AddedTracks = added
	return nil
}

func (f *fakeBuilderStore) HeartbeatPlaylistJob(_ context.Context, _ string) error { return nil }

func (f *fakeBuilderStore) CompletePlaylistJob(_ context.Context, _ string, d time.Duration) error {
	f.complete = true
	f.procTime = d
	return nil
}

func (f *fakeBuilderStore) FailPlaylistJob(_ context.Context, _ string, msg string) error {
	f.failed = &msg
	return nil
}

func (f *fakeBuilderStore) AllTimeTopTracks(_ context.Context, _ string, limit int) ([]store.Track, error) {
	if len(f.allTime) > limit {
		return f.allTime[:limit], nil
	}
	return f.allTime, nil
}

func (f *fakeBuilderStore) RecentEvents(_ context.Context, _ string, limit int, _, _ *time.Time) ([]store.RecentEvent, error) {
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeBuilderStore) TracksByIDs(_ context.Context, ids []int64) (map[int64]store.Track, error) {
	out := map[int64]store.Track{}
	for _, id := range ids {
		if t, ok := f.tracks[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

type fakeBuilderProvider struct {
	sourceTracks []spotify.PlaylistTrackItem
	created      int
	addCalls     [][]string
	covers       []string
	addErr       error
	addErrAfter  int
	hangOnAdd    bool
}

func (f *fakeBuilderProvider) PlaylistTracks(_ context.Context, _, _ string, limit, offset int) (*spotify.PlaylistTracksPage, error) {
	page := &spotify.PlaylistTracksPage{Total: len(f.sourceTracks)}
	end := min(offset+limit, len(f.sourceTracks))
	if offset < len(f.sourceTracks) {
		page.Items = f.sourceTracks[offset:end]
	}
	if end < len(f.sourceTracks) {
		page.Next = "next"
	}
	return page, nil
}

func (f *fakeBuilderProvider) CreatePlaylist(_ context.Context, _, _, name string, _ bool) (*spotify.Playlist, error) {
	f.created++
	p := &spotify.Playlist{ID: "pl-new", Name: name}
	p.ExternalURLs.Spotify = "https://open/pl-new"
	return p, nil
}

func (f *fakeBuilderProvider) AddTracks(ctx context.Context, _, _ string, uris []string) error {
	if f.hangOnAdd {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.addErr != nil && len(f.addCalls) >= f.addErrAfter {
		return f.addErr
	}
	f.addCalls = append(f.addCalls, uris)
	return nil
}

func (f *fakeBuilderProvider) UploadCover(_ context.Context, _, _, image string) error {
	f.covers = append(f.covers, image)
	return nil
}

type fakeTopCache struct {
	details []store.TopEntryDetail
}

func (f *fakeTopCache) EnsureTopTracksCached(_ context.Context, _, _ string, _ store.Term) ([]store.TopEntryDetail, error) {
	return f.details, nil
}

func sourceItems(n int) []spotify.PlaylistTrackItem {
	var out []spotify.PlaylistTrackItem
	for i := 0; i < n; i++ {
		out = append(out, spotify.PlaylistTrackItem{
			Track: spotify.Track{
				ID:      fmt.Sprintf("t%d", i),
				URI:     fmt.Sprintf("spotify:track:t%d", i),
				Artists: []spotify.Artist{{ID: fmt.Sprintf("a%d", i%5)}},
			},
		})
	}
	return out
}

func shuffleJob(n int) store.PlaylistJob {
	src := "pl-src"
	return store.PlaylistJob{
		ID: "job1", UserID: "u1", CreationMethod: store.MethodShuffle,
		Name: "my shuffle", SourcePlaylistID: &src, Status: store.PlaylistPending,
		EstimatedTracks: n,
	}
}

func newBuilder(s Store, p Provider, top TopCache) *Builder {
	return New(s, p, top, WithRand(rand.New(rand.NewSource(1))))
}

func TestRunShuffleHappyPath(t *testing.T) {
	s := &fakeBuilderStore{job: shuffleJob(250), user: store.User{ID: "u1", ProviderID: "sp-u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(250)}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))

	assert.Equal(t, []store.PlaylistJobStatus{
		store.PlaylistCreating, store.PlaylistAddingTracks,
	}, s.statuses)
	assert.True(t, s.complete)
	assert.Equal(t, 250, s.total)
	assert.Equal(t, 1, p.created)
	require.Len(t, p.addCalls, 3, "250 tracks in batches of 100")
	assert.Len(t, p.addCalls[0], 100)
	assert.Len(t, p.addCalls[2], 50)
	assert.Equal(t, []int{100, 200, 250}, s.added)
}

func TestRunTooFewTracksFailsTerminally(t *testing.T) {
	s := &fakeBuilderStore{job: shuffleJob(5), user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(5)}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"), "terminal failure consumes the job")
	require.NotNil(t, s.failed)
	assert.Contains(t, *s.failed, "need at least 25")
	assert.False(t, s.complete)
	assert.Zero(t, p.created, "no upstream playlist for a rejected build")
}

func TestRunReusesExistingProviderPlaylist(t *testing.T) {
	job := shuffleJob(100)
	existing := "pl-existing"
	job.SpotifyPlaylistID = &existing
	s := &fakeBuilderStore{job: job, user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(100)}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	assert.Zero(t, p.created, "a persisted playlist id is never re-created")
}

func TestRunResumesFromPersistedProgress(t *testing.T) {
	job := shuffleJob(250)
	existing := "pl-existing"
	job.SpotifyPlaylistID = &existing
	job.AddedTracks = 200
	job.Status = store.PlaylistAddingTracks
	s := &fakeBuilderStore{job: job, user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(250)}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	require.Len(t, p.addCalls, 1, "batches 0 and 1 are already persisted")
	assert.Len(t, p.addCalls[0], 50)
	assert.Equal(t, []int{250}, s.added)
}

func TestRunRateLimitPropagates(t *testing.T) {
	s := &fakeBuilderStore{job: shuffleJob(100), user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{
		sourceTracks: sourceItems(100),
		addErr:       &spotify.Error{Sentinel: spotify.ErrRateLimited, Status: 429, RetryAfterSeconds: 120},
	}
	b := newBuilder(s, p, &fakeTopCache{})

	err := b.Run(context.Background(), "tok", "job1")
	require.ErrorIs(t, err, spotify.ErrRateLimited)
	assert.Nil(t, s.failed, "a 429 is not a terminal failure")
	assert.False(t, s.complete)
}

func TestRunWallClockCutsOffHungProvider(t *testing.T) {
	s := &fakeBuilderStore{job: shuffleJob(100), user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(100), hangOnAdd: true}
	b := New(s, p, &fakeTopCache{},
		WithRand(rand.New(rand.NewSource(1))),
		WithWallClock(50*time.Millisecond))

	err := b.Run(context.Background(), "tok", "job1")
	require.ErrorIs(t, err, context.DeadlineExceeded,
		"a hung provider call must not outlive the attempt budget")
	assert.Nil(t, s.failed, "the queue's retry budget decides the job's fate")
	assert.False(t, s.complete)
}

func TestRunUploadsCoverWhenPresent(t *testing.T) {
	job := shuffleJob(100)
	cover := "aGVsbG8="
	job.CoverImageBase64 = &cover
	s := &fakeBuilderStore{job: job, user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{sourceTracks: sourceItems(100)}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	assert.Equal(t, []store.PlaylistJobStatus{
		store.PlaylistCreating, store.PlaylistAddingTracks, store.PlaylistUploadingImage,
	}, s.statuses)
	assert.Equal(t, []string{cover}, p.covers)
}

func TestRunTopTermUsesCache(t *testing.T) {
	job := store.PlaylistJob{
		ID: "job1", UserID: "u1", CreationMethod: store.MethodTop50Short,
		Name: "top", Status: store.PlaylistPending,
	}
	var details []store.TopEntryDetail
	for i := 0; i < 50; i++ {
		details = append(details, store.TopEntryDetail{Rank: i + 1, URI: fmt.Sprintf("spotify:track:t%d", i)})
	}
	s := &fakeBuilderStore{job: job, user: store.User{ID: "u1"}}
	p := &fakeBuilderProvider{}
	b := newBuilder(s, p, &fakeTopCache{details: details})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	assert.True(t, s.complete)
	require.Len(t, p.addCalls, 1)
	assert.Equal(t, "spotify:track:t0", p.addCalls[0][0], "top lists keep rank order")
}

func TestRunRecentDedupsAndCaps(t *testing.T) {
	k := 25
	job := store.PlaylistJob{
		ID: "job1", UserID: "u1", CreationMethod: store.MethodTopKRecent,
		Name: "recent", KValue: &k, Status: store.PlaylistPending,
	}
	s := &fakeBuilderStore{job: job, user: store.User{ID: "u1"}, tracks: map[int64]store.Track{}}
	now := time.Now()
	// 75 events over 30 distinct tracks, newest first; repeats interleaved.
	for i := 0; i < 75; i++ {
		id := int64(i % 30)
		s.recent = append(s.recent, store.RecentEvent{TrackID: id, PlayedAt: now.Add(-time.Duration(i) * time.Minute)})
		s.tracks[id] = store.Track{ID: id, URI: fmt.Sprintf("spotify:track:t%d", id)}
	}
	p := &fakeBuilderProvider{}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	require.Len(t, p.addCalls, 1)
	assert.Len(t, p.addCalls[0], k, "dedup keeps the first k distinct tracks")
	assert.Equal(t, "spotify:track:t0", p.addCalls[0][0])
}

func TestRunTerminalJobIsSkipped(t *testing.T) {
	job := shuffleJob(100)
	job.Status = store.PlaylistCompleted
	s := &fakeBuilderStore{job: job}
	p := &fakeBuilderProvider{}
	b := newBuilder(s, p, &fakeTopCache{})

	require.NoError(t, b.Run(context.Background(), "tok", "job1"))
	assert.Empty(t, s.statuses)
	assert.Zero(t, p.created)
}
