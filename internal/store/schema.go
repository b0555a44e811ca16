// SPDX-License-Identifier: MIT

package store

import "context"

// Schema is the base DDL. The listening_events table is a monthly range
// partitioned table; individual partitions are provisioned by the scheduler
// (see partitions.go), never here.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                      TEXT PRIMARY KEY,
	provider_id             TEXT NOT NULL UNIQUE,
	display_name            TEXT NOT NULL DEFAULT '',
	image_url               TEXT,
	country                 TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login_at           TIMESTAMPTZ,
	last_ingested_at        TIMESTAMPTZ,
	top_stats_refreshed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS auth_records (
	user_id                  TEXT PRIMARY KEY REFERENCES users(id),
	refresh_token_ciphertext BYTEA NOT NULL,
	last_refresh_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_valid                 BOOLEAN NOT NULL DEFAULT TRUE,
	consecutive_failures     INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	user_id           TEXT PRIMARY KEY REFERENCES users(id),
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	is_public_profile BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS artists (
	id          BIGSERIAL PRIMARY KEY,
	provider_id TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	image_url   TEXT
);

CREATE TABLE IF NOT EXISTS albums (
	id          BIGSERIAL PRIMARY KEY,
	provider_id TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	image_url   TEXT
);

CREATE TABLE IF NOT EXISTS tracks (
	id          BIGSERIAL PRIMARY KEY,
	provider_id TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	preview_url TEXT,
	album_id    BIGINT REFERENCES albums(id),
	uri         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS track_artists (
	track_id  BIGINT NOT NULL REFERENCES tracks(id),
	artist_id BIGINT NOT NULL REFERENCES artists(id),
	PRIMARY KEY (track_id, artist_id)
);

CREATE TABLE IF NOT EXISTS listening_events (
	user_id      TEXT NOT NULL,
	track_id     BIGINT NOT NULL,
	played_at    TIMESTAMPTZ NOT NULL,
	ms_played    BIGINT NOT NULL,
	is_estimated BOOLEAN NOT NULL DEFAULT FALSE,
	source       TEXT NOT NULL DEFAULT 'api'
) PARTITION BY RANGE (played_at);

CREATE TABLE IF NOT EXISTS user_track_stats (
	user_id        TEXT NOT NULL,
	track_id       BIGINT NOT NULL,
	play_count     BIGINT NOT NULL DEFAULT 0,
	total_ms       BIGINT NOT NULL DEFAULT 0,
	last_played_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, track_id)
);

CREATE TABLE IF NOT EXISTS user_artist_stats (
	user_id    TEXT NOT NULL,
	artist_id  BIGINT NOT NULL,
	play_count BIGINT NOT NULL DEFAULT 0,
	total_ms   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, artist_id)
);

CREATE TABLE IF NOT EXISTS user_time_bucket_stats (
	user_id       TEXT NOT NULL,
	bucket_type   TEXT NOT NULL,
	bucket_date   TIMESTAMPTZ NOT NULL,
	play_count    BIGINT NOT NULL DEFAULT 0,
	total_ms      BIGINT NOT NULL DEFAULT 0,
	unique_tracks BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, bucket_type, bucket_date)
);

CREATE TABLE IF NOT EXISTS user_hour_stats (
	user_id    TEXT NOT NULL,
	hour       INT NOT NULL CHECK (hour >= 0 AND hour < 24),
	play_count BIGINT NOT NULL DEFAULT 0,
	total_ms   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, hour)
);

CREATE TABLE IF NOT EXISTS top_entries (
	user_id   TEXT NOT NULL,
	term      TEXT NOT NULL,
	kind      TEXT NOT NULL,
	rank      INT NOT NULL CHECK (rank >= 1 AND rank <= 50),
	entity_id BIGINT NOT NULL,
	PRIMARY KEY (user_id, term, kind, rank)
);

CREATE TABLE IF NOT EXISTS playlist_jobs (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES users(id),
	idempotency_key      TEXT NOT NULL UNIQUE,
	creation_method      TEXT NOT NULL,
	name                 TEXT NOT NULL,
	is_public            BOOLEAN NOT NULL DEFAULT FALSE,
	source_playlist_id   TEXT,
	shuffle_mode         TEXT,
	k_value              INT,
	start_date           TIMESTAMPTZ,
	end_date             TIMESTAMPTZ,
	cover_image_base64   TEXT,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	total_tracks         INT NOT NULL DEFAULT 0,
	added_tracks         INT NOT NULL DEFAULT 0,
	estimated_tracks     INT NOT NULL DEFAULT 0,
	spotify_playlist_id  TEXT,
	spotify_playlist_url TEXT,
	error_message        TEXT,
	retry_count          INT NOT NULL DEFAULT 0,
	rate_limit_delays    INT NOT NULL DEFAULT 0,
	last_heartbeat_at    TIMESTAMPTZ,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	processing_time_ms   BIGINT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	status        TEXT NOT NULL DEFAULT 'PENDING',
	total_events  INT NOT NULL DEFAULT 0,
	added_events  INT NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies the base DDL; it is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}
