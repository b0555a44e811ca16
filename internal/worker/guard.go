// SPDX-License-Identifier: MIT

// Package worker runs the background consumer pools and routes their errors
// through the shared rate limiter, circuit breakers and queue retry machinery.
package worker

import (
	"context"

	"github.com/auralog/auralog/internal/metrics"
	"github.com/auralog/auralog/internal/ratelimit"
	"github.com/auralog/auralog/internal/resilience"
	"github.com/auralog/auralog/internal/spotify"
)

// Breaker keys group provider endpoints by failure domain so a storm on one
// does not trip the others.
const (
	keyPlayer   = "player"
	keyTop      = "top"
	keyCatalog  = "catalog"
	keyPlaylist = "playlist"
)

// ProviderClient is the full provider surface the guarded client wraps.
type ProviderClient interface {
	RecentlyPlayed(ctx context.Context, token string, after int64, limit int) (*spotify.RecentlyPlayedPage, error)
	TopTracks(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Track, error)
	TopArtists(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Artist, error)
	Artists(ctx context.Context, token string, ids []string) ([]spotify.Artist, error)
	PlaylistTracks(ctx context.Context, token, playlistID string, limit, offset int) (*spotify.PlaylistTracksPage, error)
	CreatePlaylist(ctx context.Context, token, providerUserID, name string, public bool) (*spotify.Playlist, error)
	AddTracks(ctx context.Context, token, playlistID string, uris []string) error
	UploadCover(ctx context.Context, token, playlistID, imageBase64 string) error
}

// Guard decorates the provider client with the shared adaptive limiter and
// per-domain circuit breakers. Every worker call to the provider goes through
// one Guard instance so the whole process honors one upstream budget.
type Guard struct {
	client   ProviderClient
	limiter  *ratelimit.Adaptive
	breakers *resilience.Registry
}

func NewGuard(client ProviderClient, limiter *ratelimit.Adaptive, breakers *resilience.Registry) *Guard {
	return &Guard{client: client, limiter: limiter, breakers: breakers}
}

// do acquires a limiter token, runs the call under the keyed breaker and feeds
// the outcome back into the limiter.
func (g *Guard) do(ctx context.Context, key string, fn func() error) error {
	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}
	err := g.breakers.For(key).Execute(fn)
	if err == nil {
		g.limiter.RecordSuccess()
		return nil
	}
	if sec, ok := spotify.RetryAfter(err); ok {
		g.limiter.HandleRateLimit(sec)
		metrics.RecordProviderRateLimited(key)
	}
	return err
}

func (g *Guard) RecentlyPlayed(ctx context.Context, token string, after int64, limit int) (*spotify.RecentlyPlayedPage, error) {
	var page *spotify.RecentlyPlayedPage
	err := g.do(ctx, keyPlayer, func() error {
		var err error
		page, err = g.client.RecentlyPlayed(ctx, token, after, limit)
		return err
	})
	return page, err
}

func (g *Guard) TopTracks(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Track, error) {
	var items []spotify.Track
	err := g.do(ctx, keyTop, func() error {
		var err error
		items, err = g.client.TopTracks(ctx, token, term, limit)
		return err
	})
	return items, err
}

func (g *Guard) TopArtists(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Artist, error) {
	var items []spotify.Artist
	err := g.do(ctx, keyTop, func() error {
		var err error
		items, err = g.client.TopArtists(ctx, token, term, limit)
		return err
	})
	return items, err
}

func (g *Guard) Artists(ctx context.Context, token string, ids []string) ([]spotify.Artist, error) {
	var items []spotify.Artist
	err := g.do(ctx, keyCatalog, func() error {
		var err error
		items, err = g.client.Artists(ctx, token, ids)
		return err
	})
	return items, err
}

func (g *Guard) PlaylistTracks(ctx context.Context, token, playlistID string, limit, offset int) (*spotify.PlaylistTracksPage, error) {
	var page *spotify.PlaylistTracksPage
	err := g.do(ctx, keyPlaylist, func() error {
		var err error
		page, err = g.client.PlaylistTracks(ctx, token, playlistID, limit, offset)
		return err
	})
	return page, err
}

func (g *Guard) CreatePlaylist(ctx context.Context, token, providerUserID, name string, public bool) (*spotify.Playlist, error) {
	var created *spotify.Playlist
	err := g.do(ctx, keyPlaylist, func() error {
		var err error
		created, err = g.client.CreatePlaylist(ctx, token, providerUserID, name, public)
		return err
	})
	return created, err
}

func (g *Guard) AddTracks(ctx context.Context, token, playlistID string, uris []string) error {
	return g.do(ctx, keyPlaylist, func() error {
		return g.client.AddTracks(ctx, token, playlistID, uris)
	})
}

func (g *Guard) UploadCover(ctx context.Context, token, playlistID, imageBase64 string) error {
	return g.do(ctx, keyPlaylist, func() error {
		return g.client.UploadCover(ctx, token, playlistID, imageBase64)
	})
}
