// SPDX-License-Identifier: MIT

// Package catalog resolves provider track/artist/album objects into internal
// catalog rows. Upserts are batched so the round-trip count stays constant
// regardless of batch size.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

// Store is the persistence surface the upserter needs.
type Store interface {
	CreateArtists(ctx context.Context, in []store.ArtistInput) error
	CreateAlbums(ctx context.Context, in []store.AlbumInput) error
	CreateTracks(ctx context.Context, in []store.TrackInput) error
	CreateTrackArtists(ctx context.Context, pairs [][2]int64) error
	ArtistIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error)
	AlbumIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error)
	TrackIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error)
	UpdateArtistImages(ctx context.Context, images map[string]string) error
}

// Enqueuer is the queue surface used to schedule artist image enrichment.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error)
}

// MetadataJob is the payload of one artist image enrichment job.
type MetadataJob struct {
	ArtistProviderIDs []string `json:"artist_provider_ids"`
}

// Upserter writes provider catalog objects into the local catalog.
type Upserter struct {
	store    Store
	metadata Enqueuer
}

// New builds an Upserter. metadata may be nil when enrichment is not wanted
// (bulk imports resolve images lazily).
func New(s Store, metadata Enqueuer) *Upserter {
	return &Upserter{store: s, metadata: metadata}
}

// UpsertTracks persists every track with its album and artists and returns
// provider-track-id to internal-id mappings. Unknown artists are queued for
// image enrichment since track payloads carry no artist images.
func (u *Upserter) UpsertTracks(ctx context.Context, tracks []spotify.Track) (map[string]int64, error) {
	if len(tracks) == 0 {
		return map[string]int64{}, nil
	}

	artistsByID := make(map[string]store.ArtistInput)
	albumsByID := make(map[string]store.AlbumInput)
	tracksByID := make(map[string]spotify.Track)
	for _, t := range tracks {
		if t.IsLocal || t.ID == "" {
			continue
		}
		tracksByID[t.ID] = t
		for _, a := range t.Artists {
			if _, ok := artistsByID[a.ID]; !ok {
				artistsByID[a.ID] = store.ArtistInput{
					ProviderID: a.ID,
					Name:       a.Name,
					ImageURL:   optional(a.ImageURL()),
				}
			}
		}
		if t.Album.ID != "" {
			if _, ok := albumsByID[t.Album.ID]; !ok {
				albumsByID[t.Album.ID] = store.AlbumInput{
					ProviderID: t.Album.ID,
					Name:       t.Album.Name,
					ImageURL:   optional(t.Album.ImageURL()),
				}
			}
		}
	}
	if len(tracksByID) == 0 {
		return map[string]int64{}, nil
	}

	if err := u.store.CreateArtists(ctx, values(artistsByID)); err != nil {
		return nil, fmt.Errorf("catalog: create artists: %w", err)
	}
	if err := u.store.CreateAlbums(ctx, values(albumsByID)); err != nil {
		return nil, fmt.Errorf("catalog: create albums: %w", err)
	}

	albumIDs, err := u.store.AlbumIDsByProvider(ctx, keys(albumsByID))
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve albums: %w", err)
	}

	trackInputs := make([]store.TrackInput, 0, len(tracksByID))
	for _, t := range tracksByID {
		in := store.TrackInput{
			ProviderID: t.ID,
			Name:       t.Name,
			DurationMs: t.DurationMs,
			URI:        t.URI,
		}
		if t.PreviewURL != "" {
			in.PreviewURL = optional(t.PreviewURL)
		}
		if id, ok := albumIDs[t.Album.ID]; ok {
			albumID := id
			in.AlbumID = &albumID
		}
		trackInputs = append(trackInputs, in)
	}
	if err := u.store.CreateTracks(ctx, trackInputs); err != nil {
		return nil, fmt.Errorf("catalog: create tracks: %w", err)
	}

	trackIDs, err := u.store.TrackIDsByProvider(ctx, keys(tracksByID))
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve tracks: %w", err)
	}
	artistIDs, err := u.store.ArtistIDsByProvider(ctx, keys(artistsByID))
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve artists: %w", err)
	}

	var pairs [][2]int64
	seen := make(map[[2]int64]struct{})
	for pid, t := range tracksByID {
		tid, ok := trackIDs[pid]
		if !ok {
			continue
		}
		for _, a := range t.Artists {
			aid, ok := artistIDs[a.ID]
			if !ok {
				continue
			}
			p := [2]int64{tid, aid}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}
	if err := u.store.CreateTrackArtists(ctx, pairs); err != nil {
		return nil, fmt.Errorf("catalog: link artists: %w", err)
	}

	u.enqueueEnrichment(ctx, artistsByID)
	return trackIDs, nil
}

// UpsertArtists persists full artist objects (with images) and returns the
// provider-to-internal id mapping. Used by the top-artists refresh, where the
// provider payload already carries images.
func (u *Upserter) UpsertArtists(ctx context.Context, artists []spotify.Artist) (map[string]int64, error) {
	if len(artists) == 0 {
		return map[string]int64{}, nil
	}
	byID := make(map[string]store.ArtistInput, len(artists))
	for _, a := range artists {
		if a.ID == "" {
			continue
		}
		byID[a.ID] = store.ArtistInput{
			ProviderID: a.ID,
			Name:       a.Name,
			ImageURL:   optional(a.ImageURL()),
		}
	}
	if err := u.store.CreateArtists(ctx, values(byID)); err != nil {
		return nil, fmt.Errorf("catalog: create artists: %w", err)
	}
	// Rows that predate this call may still be missing an image. One bulk
	// update regardless of how many artists the payload carried.
	backfill := make(map[string]string)
	for _, a := range byID {
		if a.ImageURL != nil {
			backfill[a.ProviderID] = *a.ImageURL
		}
	}
	if err := u.store.UpdateArtistImages(ctx, backfill); err != nil {
		return nil, fmt.Errorf("catalog: backfill artist images: %w", err)
	}
	return u.store.ArtistIDsByProvider(ctx, keys(byID))
}

// ApplyArtistImages writes enrichment results; existing images are never
// overwritten.
func (u *Upserter) ApplyArtistImages(ctx context.Context, images map[string]string) error {
	found := make(map[string]string, len(images))
	for pid, url := range images {
		if url == "" {
			continue
		}
		found[pid] = url
	}
	if err := u.store.UpdateArtistImages(ctx, found); err != nil {
		return fmt.Errorf("catalog: apply artist images: %w", err)
	}
	return nil
}

func (u *Upserter) enqueueEnrichment(ctx context.Context, artists map[string]store.ArtistInput) {
	if u.metadata == nil {
		return
	}
	var missing []string
	for _, a := range artists {
		if a.ImageURL == nil {
			missing = append(missing, a.ProviderID)
		}
	}
	if len(missing) == 0 {
		return
	}
	// Batched under one deterministic-enough id per tick; duplicates are
	// deduplicated downstream by the image-already-set guard.
	for start := 0; start < len(missing); start += spotify.MaxArtistBatch {
		end := min(start+spotify.MaxArtistBatch, len(missing))
		batch := missing[start:end]
		id := "artist-meta:" + batch[0]
		if _, err := u.metadata.Enqueue(ctx, id, MetadataJob{ArtistProviderIDs: batch}, 0, 0); err != nil {
			// Enrichment is best effort; ingest must not fail on it.
			logger := log.WithComponent("catalog")
			logger.Warn().Err(err).Msg("failed to enqueue artist enrichment")
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func values[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
