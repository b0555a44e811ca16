// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateImportJob inserts a new PENDING import record.
func (s *Store) CreateImportJob(ctx context.Context, id, userID string) error {
	_, err := s.q().Exec(ctx,
		`INSERT INTO import_jobs (id, user_id) VALUES ($1, $2)`, id, userID)
	return err
}

// GetImportJob loads an import job by id.
func (s *Store) GetImportJob(ctx context.Context, id string) (*ImportJob, error) {
	var j ImportJob
	err := s.q().QueryRow(ctx, `
		SELECT id, user_id, status, total_events, added_events, error_message, created_at, updated_at
		FROM import_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.UserID, &j.Status, &j.TotalEvents, &j.AddedEvents,
			&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// SetImportJobStatus moves the import lifecycle.
func (s *Store) SetImportJobStatus(ctx context.Context, id string, status ImportJobStatus) error {
	_, err := s.q().Exec(ctx,
		`UPDATE import_jobs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// SetImportProgress records batch progress during processing.
func (s *Store) SetImportProgress(ctx context.Context, id string, total, added int) error {
	_, err := s.q().Exec(ctx, `
		UPDATE import_jobs SET total_events = $2, added_events = $3, updated_at = now()
		WHERE id = $1`, id, total, added)
	return err
}

// FailImportJob marks the terminal failure state.
func (s *Store) FailImportJob(ctx context.Context, id, message string) error {
	_, err := s.q().Exec(ctx, `
		UPDATE import_jobs SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = $1`, id, message)
	return err
}

// ReapStalledImportJobs fails PENDING or PROCESSING imports not touched since
// the cutoff and returns their ids.
func (s *Store) ReapStalledImportJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q().Query(ctx, `
		UPDATE import_jobs
		SET status = 'FAILED', error_message = 'import stalled', updated_at = now()
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}
