// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"strings"
)

// ArtistInput is a catalog artist before it has an internal id.
type ArtistInput struct {
	ProviderID string
	Name       string
	ImageURL   *string
}

// AlbumInput is a catalog album before it has an internal id.
type AlbumInput struct {
	ProviderID string
	Name       string
	ImageURL   *string
}

// TrackInput is a catalog track before it has an internal id.
type TrackInput struct {
	ProviderID string
	Name       string
	DurationMs int64
	PreviewURL *string
	AlbumID    *int64
	URI        string
}

// valuesClause builds ($1,$2,..),($3,$4,..) for n rows of width cols.
func valuesClause(n, cols int) string {
	var b strings.Builder
	arg := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// CreateArtists bulk-inserts artists, skipping provider ids that already
// exist. One round trip regardless of batch size.
func (s *Store) CreateArtists(ctx context.Context, in []ArtistInput) error {
	if len(in) == 0 {
		return nil
	}
	args := make([]any, 0, len(in)*3)
	for _, a := range in {
		args = append(args, a.ProviderID, a.Name, a.ImageURL)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO artists (provider_id, name, image_url)
		VALUES `+valuesClause(len(in), 3)+`
		ON CONFLICT (provider_id) DO NOTHING`, args...)
	return err
}

// CreateAlbums bulk-inserts albums, skipping duplicates.
func (s *Store) CreateAlbums(ctx context.Context, in []AlbumInput) error {
	if len(in) == 0 {
		return nil
	}
	args := make([]any, 0, len(in)*3)
	for _, a := range in {
		args = append(args, a.ProviderID, a.Name, a.ImageURL)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO albums (provider_id, name, image_url)
		VALUES `+valuesClause(len(in), 3)+`
		ON CONFLICT (provider_id) DO NOTHING`, args...)
	return err
}

// CreateTracks bulk-inserts tracks, skipping duplicates.
func (s *Store) CreateTracks(ctx context.Context, in []TrackInput) error {
	if len(in) == 0 {
		return nil
	}
	args := make([]any, 0, len(in)*6)
	for _, t := range in {
		args = append(args, t.ProviderID, t.Name, t.DurationMs, t.PreviewURL, t.AlbumID, t.URI)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO tracks (provider_id, name, duration_ms, preview_url, album_id, uri)
		VALUES `+valuesClause(len(in), 6)+`
		ON CONFLICT (provider_id) DO NOTHING`, args...)
	return err
}

// CreateTrackArtists bulk-inserts join rows, skipping duplicates.
func (s *Store) CreateTrackArtists(ctx context.Context, pairs [][2]int64) error {
	if len(pairs) == 0 {
		return nil
	}
	args := make([]any, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p[0], p[1])
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO track_artists (track_id, artist_id)
		VALUES `+valuesClause(len(pairs), 2)+`
		ON CONFLICT DO NOTHING`, args...)
	return err
}

func (s *Store) idsByProvider(ctx context.Context, table string, providerIDs []string) (map[string]int64, error) {
	if len(providerIDs) == 0 {
		return map[string]int64{}, nil
	}
	rows, err := s.q().Query(ctx,
		`SELECT provider_id, id FROM `+table+` WHERE provider_id = ANY($1)`, providerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64, len(providerIDs))
	for rows.Next() {
		var pid string
		var id int64
		if err := rows.Scan(&pid, &id); err != nil {
			return nil, err
		}
		out[pid] = id
	}
	return out, rows.Err()
}

// ArtistIDsByProvider resolves provider ids to internal ids.
func (s *Store) ArtistIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error) {
	return s.idsByProvider(ctx, "artists", ids)
}

// AlbumIDsByProvider resolves provider ids to internal ids.
func (s *Store) AlbumIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error) {
	return s.idsByProvider(ctx, "albums", ids)
}

// TrackIDsByProvider resolves provider ids to internal ids.
func (s *Store) TrackIDsByProvider(ctx context.Context, ids []string) (map[string]int64, error) {
	return s.idsByProvider(ctx, "tracks", ids)
}

// UpdateArtistImages backfills discovered artist images in one statement;
// existing images are never overwritten.
func (s *Store) UpdateArtistImages(ctx context.Context, images map[string]string) error {
	if len(images) == 0 {
		return nil
	}
	providerIDs := make([]string, 0, len(images))
	urls := make([]string, 0, len(images))
	for pid, url := range images {
		providerIDs = append(providerIDs, pid)
		urls = append(urls, url)
	}
	_, err := s.q().Exec(ctx, `
		UPDATE artists SET image_url = v.image_url
		FROM (SELECT unnest($1::text[]) AS provider_id, unnest($2::text[]) AS image_url) v
		WHERE artists.provider_id = v.provider_id AND artists.image_url IS NULL`,
		providerIDs, urls)
	return err
}

// ArtistIDsForTracks resolves the artist ids linked to each given track.
func (s *Store) ArtistIDsForTracks(ctx context.Context, trackIDs []int64) (map[int64][]int64, error) {
	if len(trackIDs) == 0 {
		return map[int64][]int64{}, nil
	}
	rows, err := s.q().Query(ctx,
		`SELECT track_id, artist_id FROM track_artists WHERE track_id = ANY($1)`, trackIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64, len(trackIDs))
	for rows.Next() {
		var tid, aid int64
		if err := rows.Scan(&tid, &aid); err != nil {
			return nil, err
		}
		out[tid] = append(out[tid], aid)
	}
	return out, rows.Err()
}

// TracksByIDs loads track rows for the given internal ids.
func (s *Store) TracksByIDs(ctx context.Context, ids []int64) (map[int64]Track, error) {
	if len(ids) == 0 {
		return map[int64]Track{}, nil
	}
	rows, err := s.q().Query(ctx, `
		SELECT id, provider_id, name, duration_ms, preview_url, album_id, uri
		FROM tracks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Track, len(ids))
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.ID, &t.ProviderID, &t.Name, &t.DurationMs, &t.PreviewURL, &t.AlbumID, &t.URI); err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}
