// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// The functions below take a Querier so the top-stats refresher can run them
// inside its transaction. The lock/delete/insert/stamp sequence is what keeps
// the top lists all-or-nothing.

// LockUserRow serializes concurrent refreshes of the same user.
func LockUserRow(ctx context.Context, q Querier, userID string) error {
	_, err := q.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID)
	return err
}

// DeleteTopEntries removes every top entry for a user.
func DeleteTopEntries(ctx context.Context, q Querier, userID string) error {
	_, err := q.Exec(ctx, `DELETE FROM top_entries WHERE user_id = $1`, userID)
	return err
}

// InsertTopEntries bulk-inserts the new rank rows.
func InsertTopEntries(ctx context.Context, q Querier, entries []TopEntry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*5)
	for _, e := range entries {
		args = append(args, e.UserID, e.Term, e.Kind, e.Rank, e.EntityID)
	}
	_, err := q.Exec(ctx, `
		INSERT INTO top_entries (user_id, term, kind, rank, entity_id)
		VALUES `+valuesClause(len(entries), 5), args...)
	return err
}

// StampTopRefreshed sets topStatsRefreshedAt inside the refresh transaction;
// it is never written anywhere else.
func StampTopRefreshed(ctx context.Context, q Querier, userID string, at time.Time) error {
	_, err := q.Exec(ctx,
		`UPDATE users SET top_stats_refreshed_at = $2 WHERE id = $1`, userID, at)
	return err
}

// commitTimeout bounds the replace transaction so a stuck lock cannot hold
// a pool connection indefinitely.
const commitTimeout = 30 * time.Second

// ReplaceTopEntries swaps a user's entire top-entry set in one transaction:
// lock the user row, delete the old ranks, insert the new ones, stamp the
// refresh instant. Readers never observe ranks from two different runs.
func (s *Store) ReplaceTopEntries(ctx context.Context, userID string, entries []TopEntry, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := LockUserRow(ctx, tx, userID); err != nil {
			return err
		}
		if err := DeleteTopEntries(ctx, tx, userID); err != nil {
			return err
		}
		if err := InsertTopEntries(ctx, tx, entries); err != nil {
			return err
		}
		return StampTopRefreshed(ctx, tx, userID, at)
	})
}

// TopEntryDetail is a rank row joined with its catalog entity.
type TopEntryDetail struct {
	Rank       int
	ProviderID string
	Name       string
	ImageURL   *string
	URI        string
}

// TopEntriesDetailed reads a user's ranked list with catalog fields resolved.
func (s *Store) TopEntriesDetailed(ctx context.Context, userID string, term Term, kind TopEntryKind) ([]TopEntryDetail, error) {
	var query string
	if kind == TopTracks {
		query = `
			SELECT e.rank, t.provider_id, t.name, a.image_url, t.uri
			FROM top_entries e
			JOIN tracks t ON t.id = e.entity_id
			LEFT JOIN albums a ON a.id = t.album_id
			WHERE e.user_id = $1 AND e.term = $2 AND e.kind = $3
			ORDER BY e.rank`
	} else {
		query = `
			SELECT e.rank, ar.provider_id, ar.name, ar.image_url, ''
			FROM top_entries e
			JOIN artists ar ON ar.id = e.entity_id
			WHERE e.user_id = $1 AND e.term = $2 AND e.kind = $3
			ORDER BY e.rank`
	}
	rows, err := s.q().Query(ctx, query, userID, term, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TopEntryDetail
	for rows.Next() {
		var d TopEntryDetail
		if err := rows.Scan(&d.Rank, &d.ProviderID, &d.Name, &d.ImageURL, &d.URI); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
