// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const playlistJobColumns = `id, user_id, idempotency_key, creation_method, name, is_public,
	source_playlist_id, shuffle_mode, k_value, start_date, end_date, cover_image_base64,
	status, total_tracks, added_tracks, estimated_tracks,
	spotify_playlist_id, spotify_playlist_url, error_message,
	retry_count, rate_limit_delays, last_heartbeat_at, started_at, completed_at,
	processing_time_ms, created_at`

func scanPlaylistJob(row pgx.Row) (*PlaylistJob, error) {
	var j PlaylistJob
	err := row.Scan(&j.ID, &j.UserID, &j.IdempotencyKey, &j.CreationMethod, &j.Name, &j.IsPublic,
		&j.SourcePlaylistID, &j.ShuffleMode, &j.KValue, &j.StartDate, &j.EndDate, &j.CoverImageBase64,
		&j.Status, &j.TotalTracks, &j.AddedTracks, &j.EstimatedTracks,
		&j.SpotifyPlaylistID, &j.SpotifyPlaylistURL, &j.ErrorMessage,
		&j.RetryCount, &j.RateLimitDelays, &j.LastHeartbeatAt, &j.StartedAt, &j.CompletedAt,
		&j.ProcessingTimeMs, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreatePlaylistJob inserts a new PENDING job row.
func (s *Store) CreatePlaylistJob(ctx context.Context, j *PlaylistJob) error {
	_, err := s.q().Exec(ctx, `
		INSERT INTO playlist_jobs (id, user_id, idempotency_key, creation_method, name, is_public,
			source_playlist_id, shuffle_mode, k_value, start_date, end_date, cover_image_base64,
			status, estimated_tracks)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'PENDING',$13)`,
		j.ID, j.UserID, j.IdempotencyKey, j.CreationMethod, j.Name, j.IsPublic,
		j.SourcePlaylistID, j.ShuffleMode, j.KValue, j.StartDate, j.EndDate, j.CoverImageBase64,
		j.EstimatedTracks)
	return err
}

// GetPlaylistJob loads a job by id.
func (s *Store) GetPlaylistJob(ctx context.Context, id string) (*PlaylistJob, error) {
	return scanPlaylistJob(s.q().QueryRow(ctx,
		`SELECT `+playlistJobColumns+` FROM playlist_jobs WHERE id = $1`, id))
}

// GetPlaylistJobByIdempotencyKey finds an existing job for a confirmation
// token, making creation idempotent.
func (s *Store) GetPlaylistJobByIdempotencyKey(ctx context.Context, key string) (*PlaylistJob, error) {
	return scanPlaylistJob(s.q().QueryRow(ctx,
		`SELECT `+playlistJobColumns+` FROM playlist_jobs WHERE idempotency_key = $1`, key))
}

// SetPlaylistJobStatus moves the state machine; started_at is stamped on the
// first transition out of PENDING.
func (s *Store) SetPlaylistJobStatus(ctx context.Context, id string, status PlaylistJobStatus) error {
	_, err := s.q().Exec(ctx, `
		UPDATE playlist_jobs
		SET status = $2, started_at = COALESCE(started_at, now()), last_heartbeat_at = now()
		WHERE id = $1`, id, status)
	return err
}

// SetProviderPlaylist persists the created playlist id exactly once; a second
// call with a different id is a no-op, which keeps retries from creating a
// second upstream playlist.
func (s *Store) SetProviderPlaylist(ctx context.Context, id, providerPlaylistID, url string) error {
	_, err := s.q().Exec(ctx, `
		UPDATE playlist_jobs
		SET spotify_playlist_id = $2, spotify_playlist_url = $3
		WHERE id = $1 AND spotify_playlist_id IS NULL`, id, providerPlaylistID, url)
	return err
}

// SetPlaylistTrackTotals records the resolved track count before adding starts.
func (s *Store) SetPlaylistTrackTotals(ctx context.Context, id string, total int) error {
	_, err := s.q().Exec(ctx,
		`UPDATE playlist_jobs SET total_tracks = $2 WHERE id = $1`, id, total)
	return err
}

// SetAddedTracks updates progress after each 100-URI batch.
func (s *Store) SetAddedTracks(ctx context.Context, id string, added int) error {
	_, err := s.q().Exec(ctx,
		`UPDATE playlist_jobs SET added_tracks = $2, last_heartbeat_at = now() WHERE id = $1`, id, added)
	return err
}

// HeartbeatPlaylistJob stamps liveness for the stale reaper.
func (s *Store) HeartbeatPlaylistJob(ctx context.Context, id string) error {
	_, err := s.q().Exec(ctx,
		`UPDATE playlist_jobs SET last_heartbeat_at = now() WHERE id = $1`, id)
	return err
}

// IncrementRateLimitDelays counts one provider 429 hit for this job.
func (s *Store) IncrementRateLimitDelays(ctx context.Context, id string) error {
	_, err := s.q().Exec(ctx,
		`UPDATE playlist_jobs SET rate_limit_delays = rate_limit_delays + 1 WHERE id = $1`, id)
	return err
}

// IncrementPlaylistRetryCount counts one re-enqueue of this job.
func (s *Store) IncrementPlaylistRetryCount(ctx context.Context, id string) error {
	_, err := s.q().Exec(ctx,
		`UPDATE playlist_jobs SET retry_count = retry_count + 1 WHERE id = $1`, id)
	return err
}

// CompletePlaylistJob marks the terminal success state.
func (s *Store) CompletePlaylistJob(ctx context.Context, id string, processingTime time.Duration) error {
	_, err := s.q().Exec(ctx, `
		UPDATE playlist_jobs
		SET status = 'COMPLETED', completed_at = now(), processing_time_ms = $2
		WHERE id = $1`, id, processingTime.Milliseconds())
	return err
}

// FailPlaylistJob marks the terminal failure state with a user-visible message.
func (s *Store) FailPlaylistJob(ctx context.Context, id, message string) error {
	_, err := s.q().Exec(ctx, `
		UPDATE playlist_jobs
		SET status = 'FAILED', completed_at = now(), error_message = $2
		WHERE id = $1`, id, message)
	return err
}

// CountPlaylistJobs is the Postgres fallback for slot admission when the
// shared store is unavailable: jobs by status set and creation window.
func (s *Store) CountPlaylistJobs(ctx context.Context, userID string, statuses []PlaylistJobStatus, since time.Time) (int, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	var n int
	err := s.q().QueryRow(ctx, `
		SELECT count(*) FROM playlist_jobs
		WHERE user_id = $1 AND status = ANY($2) AND created_at >= $3`,
		userID, strs, since).Scan(&n)
	return n, err
}

// ReapStalledPlaylistJobs fails every in-progress job whose heartbeat is
// older than the cutoff and returns the affected job ids.
func (s *Store) ReapStalledPlaylistJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q().Query(ctx, `
		UPDATE playlist_jobs
		SET status = 'FAILED', completed_at = now(),
		    error_message = 'job stalled: no heartbeat for 5 minutes'
		WHERE status IN ('CREATING','ADDING_TRACKS','UPLOADING_IMAGE')
		  AND last_heartbeat_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}
