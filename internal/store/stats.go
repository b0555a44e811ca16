// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// TrackDelta is one aggregated increment for a (user, track) rollup.
type TrackDelta struct {
	TrackID      int64
	PlayCount    int64
	TotalMs      int64
	LastPlayedAt time.Time
}

// ArtistDelta is one aggregated increment for a (user, artist) rollup.
type ArtistDelta struct {
	ArtistID  int64
	PlayCount int64
	TotalMs   int64
}

// DayDelta is one aggregated increment for a local-day bucket.
type DayDelta struct {
	BucketDate   time.Time
	PlayCount    int64
	TotalMs      int64
	UniqueTracks int64
}

// HourDelta is one aggregated increment for a UTC-hour bucket.
type HourDelta struct {
	Hour      int
	PlayCount int64
	TotalMs   int64
}

// StatDeltas groups the rollup increments of one event batch.
type StatDeltas struct {
	Tracks  []TrackDelta
	Artists []ArtistDelta
	Days    []DayDelta
	Hours   []HourDelta
}

// ApplyTrackDeltas upserts one batch of track rollups. last_played_at keeps
// the maximum observed instant, never an unconditional overwrite.
func (s *Store) ApplyTrackDeltas(ctx context.Context, userID string, deltas []TrackDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	args := make([]any, 0, len(deltas)*5)
	for _, d := range deltas {
		args = append(args, userID, d.TrackID, d.PlayCount, d.TotalMs, d.LastPlayedAt)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO user_track_stats (user_id, track_id, play_count, total_ms, last_played_at)
		VALUES `+valuesClause(len(deltas), 5)+`
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			play_count = user_track_stats.play_count + EXCLUDED.play_count,
			total_ms = user_track_stats.total_ms + EXCLUDED.total_ms,
			last_played_at = GREATEST(user_track_stats.last_played_at, EXCLUDED.last_played_at)`,
		args...)
	return err
}

// ApplyArtistDeltas upserts one batch of artist rollups.
func (s *Store) ApplyArtistDeltas(ctx context.Context, userID string, deltas []ArtistDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	args := make([]any, 0, len(deltas)*4)
	for _, d := range deltas {
		args = append(args, userID, d.ArtistID, d.PlayCount, d.TotalMs)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO user_artist_stats (user_id, artist_id, play_count, total_ms)
		VALUES `+valuesClause(len(deltas), 4)+`
		ON CONFLICT (user_id, artist_id) DO UPDATE SET
			play_count = user_artist_stats.play_count + EXCLUDED.play_count,
			total_ms = user_artist_stats.total_ms + EXCLUDED.total_ms`,
		args...)
	return err
}

// ApplyDayDeltas upserts one batch of local-day buckets.
func (s *Store) ApplyDayDeltas(ctx context.Context, userID string, deltas []DayDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	args := make([]any, 0, len(deltas)*5)
	for _, d := range deltas {
		args = append(args, userID, d.BucketDate, d.PlayCount, d.TotalMs, d.UniqueTracks)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO user_time_bucket_stats (user_id, bucket_type, bucket_date, play_count, total_ms, unique_tracks)
		SELECT v.user_id, 'DAY', v.bucket_date, v.play_count, v.total_ms, v.unique_tracks
		FROM (VALUES `+valuesClause(len(deltas), 5)+`)
			AS v(user_id, bucket_date, play_count, total_ms, unique_tracks)
		ON CONFLICT (user_id, bucket_type, bucket_date) DO UPDATE SET
			play_count = user_time_bucket_stats.play_count + EXCLUDED.play_count,
			total_ms = user_time_bucket_stats.total_ms + EXCLUDED.total_ms,
			unique_tracks = user_time_bucket_stats.unique_tracks + EXCLUDED.unique_tracks`,
		args...)
	return err
}

// ApplyHourDeltas upserts one batch of UTC-hour buckets.
func (s *Store) ApplyHourDeltas(ctx context.Context, userID string, deltas []HourDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	args := make([]any, 0, len(deltas)*4)
	for _, d := range deltas {
		args = append(args, userID, d.Hour, d.PlayCount, d.TotalMs)
	}
	_, err := s.q().Exec(ctx, `
		INSERT INTO user_hour_stats (user_id, hour, play_count, total_ms)
		VALUES `+valuesClause(len(deltas), 4)+`
		ON CONFLICT (user_id, hour) DO UPDATE SET
			play_count = user_hour_stats.play_count + EXCLUDED.play_count,
			total_ms = user_hour_stats.total_ms + EXCLUDED.total_ms`,
		args...)
	return err
}

// AllTimeTopTracks returns the user's all-time top tracks by play count,
// ties broken by listening time.
func (s *Store) AllTimeTopTracks(ctx context.Context, userID string, limit int) ([]Track, error) {
	rows, err := s.q().Query(ctx, `
		SELECT t.id, t.provider_id, t.name, t.duration_ms, t.preview_url, t.album_id, t.uri
		FROM user_track_stats s
		JOIN tracks t ON t.id = s.track_id
		WHERE s.user_id = $1
		ORDER BY s.play_count DESC, s.total_ms DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Track
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.ID, &t.ProviderID, &t.Name, &t.DurationMs, &t.PreviewURL, &t.AlbumID, &t.URI); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
