// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetAuthRecord returns the auth record for a user, or ErrNotFound when the
// user never connected the provider.
func (s *Store) GetAuthRecord(ctx context.Context, userID string) (*AuthRecord, error) {
	var a AuthRecord
	err := s.q().QueryRow(ctx, `
		SELECT user_id, refresh_token_ciphertext, last_refresh_at, is_valid, consecutive_failures
		FROM auth_records WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.RefreshTokenCiphertext, &a.LastRefreshAt, &a.IsValid, &a.ConsecutiveFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAuthRecord stores a fresh refresh-token ciphertext at OAuth callback
// and resets the failure counter.
func (s *Store) UpsertAuthRecord(ctx context.Context, userID string, ciphertext []byte) error {
	_, err := s.q().Exec(ctx, `
		INSERT INTO auth_records (user_id, refresh_token_ciphertext, last_refresh_at, is_valid, consecutive_failures)
		VALUES ($1, $2, now(), TRUE, 0)
		ON CONFLICT (user_id) DO UPDATE SET
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			last_refresh_at = now(),
			is_valid = TRUE,
			consecutive_failures = 0`,
		userID, ciphertext)
	return err
}

// MarkTokenRefreshed records a successful refresh; ciphertext is only
// replaced when the provider rotated the refresh token.
func (s *Store) MarkTokenRefreshed(ctx context.Context, userID string, rotatedCiphertext []byte, at time.Time) error {
	if rotatedCiphertext != nil {
		_, err := s.q().Exec(ctx, `
			UPDATE auth_records SET refresh_token_ciphertext = $2, last_refresh_at = $3, is_valid = TRUE
			WHERE user_id = $1`, userID, rotatedCiphertext, at)
		return err
	}
	_, err := s.q().Exec(ctx, `
		UPDATE auth_records SET last_refresh_at = $2, is_valid = TRUE
		WHERE user_id = $1`, userID, at)
	return err
}

// IncrementTokenFailures bumps the consecutive failure counter and returns
// the new value.
func (s *Store) IncrementTokenFailures(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.q().QueryRow(ctx, `
		UPDATE auth_records SET consecutive_failures = consecutive_failures + 1
		WHERE user_id = $1
		RETURNING consecutive_failures`, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

// InvalidateAuth marks the record invalid; the user must reconnect.
func (s *Store) InvalidateAuth(ctx context.Context, userID string) error {
	_, err := s.q().Exec(ctx,
		`UPDATE auth_records SET is_valid = FALSE WHERE user_id = $1`, userID)
	return err
}

// ResetTokenFailures zeros the failure counter after any successful call.
func (s *Store) ResetTokenFailures(ctx context.Context, userID string) error {
	_, err := s.q().Exec(ctx, `
		UPDATE auth_records SET consecutive_failures = 0
		WHERE user_id = $1 AND consecutive_failures <> 0`, userID)
	return err
}
