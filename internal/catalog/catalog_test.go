// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

type fakeCatalogStore struct {
	artists map[string]int64
	albums  map[string]int64
	tracks  map[string]int64
	nextID  int64

	trackArtists [][2]int64
	images       map[string]string
	calls        []string
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{
		artists: map[string]int64{},
		albums:  map[string]int64{},
		tracks:  map[string]int64{},
		images:  map[string]string{},
	}
}

func (f *fakeCatalogStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeCatalogStore) CreateArtists(_ context.Context, in []store.ArtistInput) error {
	f.calls = append(f.calls, "CreateArtists")
	for _, a := range in {
		if _, ok := f.artists[a.ProviderID]; !ok {
			f.artists[a.ProviderID] = f.id()
			if a.ImageURL != nil {
				f.images[a.ProviderID] = *a.ImageURL
			}
		}
	}
	return nil
}

func (f *fakeCatalogStore) CreateAlbums(_ context.Context, in []store.AlbumInput) error {
	f.calls = append(f.calls, "CreateAlbums")
	for _, a := range in {
		if _, ok := f.albums[a.ProviderID]; !ok {
			f.albums[a.ProviderID] = f.id()
		}
	}
	return nil
}

func (f *fakeCatalogStore) CreateTracks(_ context.Context, in []store.TrackInput) error {
	f.calls = append(f.calls, "CreateTracks")
	for _, t := range in {
		if _, ok := f.tracks[t.ProviderID]; !ok {
			f.tracks[t.ProviderID] = f.id()
		}
	}
	return nil
}

func (f *fakeCatalogStore) CreateTrackArtists(_ context.Context, pairs [][2]int64) error {
	f.calls = append(f.calls, "CreateTrackArtists")
	f.trackArtists = append(f.trackArtists, pairs...)
	return nil
}

func pick(m map[string]int64, ids []string) map[string]int64 {
	out := map[string]int64{}
	for _, id := range ids {
		if v, ok := m[id]; ok {
			out[id] = v
		}
	}
	return out
}

func (f *fakeCatalogStore) ArtistIDsByProvider(_ context.Context, ids []string) (map[string]int64, error) {
	f.calls = append(f.calls, "ArtistIDsByProvider")
	return pick(f.artists, ids), nil
}

func (f *fakeCatalogStore) AlbumIDsByProvider(_ context.Context, ids []string) (map[string]int64, error) {
	f.calls = append(f.calls, "AlbumIDsByProvider")
	return pick(f.albums, ids), nil
}

func (f *fakeCatalogStore) TrackIDsByProvider(_ context.Context, ids []string) (map[string]int64, error) {
	f.calls = append(f.calls, "TrackIDsByProvider")
	return pick(f.tracks, ids), nil
}

func (f *fakeCatalogStore) UpdateArtistImages(_ context.Context, images map[string]string) error {
	f.calls = append(f.calls, "UpdateArtistImages")
	for providerID, imageURL := range images {
		if _, ok := f.images[providerID]; !ok {
			f.images[providerID] = imageURL
		}
	}
	return nil
}

func (f *fakeCatalogStore) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeEnqueuer struct {
	jobs []MetadataJob
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ string, payload any, _ int, _ time.Duration) (bool, error) {
	f.jobs = append(f.jobs, payload.(MetadataJob))
	return true, nil
}

func sampleTrack(id, albumID string, artistIDs ...string) spotify.Track {
	t := spotify.Track{
		ID:         id,
		Name:       "track " + id,
		URI:        "spotify:track:" + id,
		DurationMs: 180000,
		Album:      spotify.Album{ID: albumID, Name: "album " + albumID},
	}
	for _, a := range artistIDs {
		t.Artists = append(t.Artists, spotify.Artist{ID: a, Name: "artist " + a})
	}
	return t
}

func TestUpsertTracksResolvesWholeGraph(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	ids, err := u.UpsertTracks(context.Background(), []spotify.Track{
		sampleTrack("t1", "al1", "a1", "a2"),
		sampleTrack("t2", "al1", "a1"),
	})
	require.NoError(t, err)

	assert.Len(t, ids, 2)
	assert.Len(t, s.artists, 2)
	assert.Len(t, s.albums, 1)
	assert.Len(t, s.tracks, 2)
	assert.Len(t, s.trackArtists, 3, "t1→a1, t1→a2, t2→a1")
}

func TestUpsertTracksConstantRoundTrips(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	big := make([]spotify.Track, 50)
	for i := range big {
		big[i] = sampleTrack("t"+string(rune('a'+i%26))+string(rune('a'+i/26)), "al1", "a1")
	}
	_, err := u.UpsertTracks(context.Background(), big)
	require.NoError(t, err)
	assert.Len(t, s.calls, 7, "round trips must not scale with batch size")
}

func TestUpsertTracksSkipsLocalAndIDless(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	local := sampleTrack("t-local", "al1", "a1")
	local.IsLocal = true
	ids, err := u.UpsertTracks(context.Background(), []spotify.Track{
		local,
		{Name: "no id"},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, s.calls, "nothing persistable, nothing queried")
}

func TestUpsertTracksQueuesImagelessArtists(t *testing.T) {
	s := newFakeCatalogStore()
	q := &fakeEnqueuer{}
	u := New(s, q)

	withImage := sampleTrack("t1", "al1", "a1")
	withImage.Artists[0].Images = []spotify.Image{{URL: "https://img/a1"}}
	bare := sampleTrack("t2", "al1", "a2")

	_, err := u.UpsertTracks(context.Background(), []spotify.Track{withImage, bare})
	require.NoError(t, err)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, []string{"a2"}, q.jobs[0].ArtistProviderIDs,
		"only artists without images need enrichment")
}

func TestUpsertArtistsBackfillsImages(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	// First seen without an image (track ingest path).
	_, err := u.UpsertTracks(context.Background(), []spotify.Track{sampleTrack("t1", "al1", "a1")})
	require.NoError(t, err)
	assert.Empty(t, s.images["a1"])

	// Top-artists payload carries the image.
	ids, err := u.UpsertArtists(context.Background(), []spotify.Artist{
		{ID: "a1", Name: "artist a1", Images: []spotify.Image{{URL: "https://img/a1"}}},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, "https://img/a1", s.images["a1"])
}

func TestUpsertArtistsBackfillsInOneRoundTrip(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	artists := make([]spotify.Artist, 50)
	for i := range artists {
		id := "a" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		artists[i] = spotify.Artist{
			ID:     id,
			Name:   "artist " + id,
			Images: []spotify.Image{{URL: "https://img/" + id}},
		}
	}
	_, err := u.UpsertArtists(context.Background(), artists)
	require.NoError(t, err)

	assert.Equal(t, 1, s.count("UpdateArtistImages"),
		"image backfill must not scale with artist count")
	assert.Len(t, s.calls, 3)
}

func TestApplyArtistImages(t *testing.T) {
	s := newFakeCatalogStore()
	u := New(s, nil)

	require.NoError(t, u.ApplyArtistImages(context.Background(), map[string]string{
		"a1": "https://img/a1",
		"a2": "",
	}))
	assert.Equal(t, "https://img/a1", s.images["a1"])
	_, ok := s.images["a2"]
	assert.False(t, ok, "empty URLs are skipped")
	assert.Equal(t, 1, s.count("UpdateArtistImages"))
}
