// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const userColumns = `id, provider_id, display_name, image_url, country,
	created_at, last_login_at, last_ingested_at, top_stats_refreshed_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ProviderID, &u.DisplayName, &u.ImageURL, &u.Country,
		&u.CreatedAt, &u.LastLoginAt, &u.LastIngestedAt, &u.TopStatsRefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser looks a user up by internal id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByProviderID looks a user up by the upstream account id.
func (s *Store) GetUserByProviderID(ctx context.Context, providerID string) (*User, error) {
	return scanUser(s.q().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE provider_id = $1`, providerID))
}

// UpsertUserAtLogin creates or refreshes the account row at OAuth login and
// stamps last_login_at.
func (s *Store) UpsertUserAtLogin(ctx context.Context, id, providerID, displayName string, imageURL, country *string) (*User, error) {
	return scanUser(s.q().QueryRow(ctx, `
		INSERT INTO users (id, provider_id, display_name, image_url, country, last_login_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (provider_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			image_url    = COALESCE(EXCLUDED.image_url, users.image_url),
			country      = COALESCE(EXCLUDED.country, users.country),
			last_login_at = now()
		RETURNING `+userColumns,
		id, providerID, displayName, imageURL, country))
}

// AdvanceLastIngestedAt moves the sync cursor forward; it never moves it back.
func (s *Store) AdvanceLastIngestedAt(ctx context.Context, userID string, to time.Time) error {
	_, err := s.q().Exec(ctx, `
		UPDATE users SET last_ingested_at = $2
		WHERE id = $1 AND (last_ingested_at IS NULL OR last_ingested_at < $2)`,
		userID, to)
	return err
}

// SyncCandidates returns user ids eligible for a seeded sync: valid auth and
// either never ingested, or last ingested over the cooldown ago with a login
// in the last 7 days.
func (s *Store) SyncCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.q().Query(ctx, `
		SELECT u.id FROM users u
		JOIN auth_records a ON a.user_id = u.id
		WHERE a.is_valid
		  AND (u.last_ingested_at IS NULL
		       OR (u.last_ingested_at < $1 AND u.last_login_at >= $2))`,
		now.Add(-5*time.Minute), now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UsersByLoginSince returns user ids whose last_login_at falls in (since, until].
// Passing a zero until means no upper bound.
func (s *Store) UsersByLoginSince(ctx context.Context, since, until time.Time) ([]string, error) {
	query := `SELECT u.id FROM users u JOIN auth_records a ON a.user_id = u.id
		WHERE a.is_valid AND u.last_login_at >= $1`
	args := []any{since}
	if !until.IsZero() {
		query += ` AND u.last_login_at < $2`
		args = append(args, until)
	}
	rows, err := s.q().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSettings returns the user's settings, defaulting to UTC when absent.
func (s *Store) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	var st Settings
	err := s.q().QueryRow(ctx,
		`SELECT user_id, timezone, is_public_profile FROM settings WHERE user_id = $1`,
		userID).Scan(&st.UserID, &st.Timezone, &st.IsPublicProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Settings{UserID: userID, Timezone: "UTC"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &st, nil
}

// UpsertSettings writes the user's settings row.
func (s *Store) UpsertSettings(ctx context.Context, st Settings) error {
	_, err := s.q().Exec(ctx, `
		INSERT INTO settings (user_id, timezone, is_public_profile)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			is_public_profile = EXCLUDED.is_public_profile`,
		st.UserID, st.Timezone, st.IsPublicProfile)
	return err
}
