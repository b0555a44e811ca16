// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// EventOutcome is the resolution-table result for one event write.
type EventOutcome string

const (
	EventAdded   EventOutcome = "added"
	EventSkipped EventOutcome = "skipped"
	EventUpdated EventOutcome = "updated"
)

// WriteEvent applies the ingest resolution table for one listening event:
//
//	no existing row            → INSERT (added)
//	existing, source=api       → SKIP
//	existing estimate, import  → UPDATE ms_played, clear estimate (updated)
//	existing exact, import     → SKIP
func (s *Store) WriteEvent(ctx context.Context, ev ListeningEvent) (EventOutcome, error) {
	var isEstimated bool
	err := s.q().QueryRow(ctx, `
		SELECT is_estimated FROM listening_events
		WHERE user_id = $1 AND track_id = $2 AND played_at = $3`,
		ev.UserID, ev.TrackID, ev.PlayedAt).Scan(&isEstimated)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// ON CONFLICT keeps a concurrent writer winning the race from
		// aborting an enclosing transaction; the lost race is a skip.
		tag, err := s.q().Exec(ctx, `
			INSERT INTO listening_events (user_id, track_id, played_at, ms_played, is_estimated, source)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, track_id, played_at) DO NOTHING`,
			ev.UserID, ev.TrackID, ev.PlayedAt, ev.MsPlayed, ev.IsEstimated, ev.Source)
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() == 0 {
			return EventSkipped, nil
		}
		return EventAdded, nil

	case err != nil:
		return "", err

	case ev.Source == SourceImport && isEstimated:
		_, err := s.q().Exec(ctx, `
			UPDATE listening_events
			SET ms_played = $4, is_estimated = FALSE, source = 'import'
			WHERE user_id = $1 AND track_id = $2 AND played_at = $3`,
			ev.UserID, ev.TrackID, ev.PlayedAt, ev.MsPlayed)
		if err != nil {
			return "", err
		}
		return EventUpdated, nil

	default:
		return EventSkipped, nil
	}
}

// PlayOutcomes tallies the resolution results of one committed batch.
type PlayOutcomes struct {
	Added   int
	Skipped int
	Updated int
}

// CommitPlays writes one batch of listening events, applies the stat deltas
// bucketed from the rows actually inserted and optionally advances the sync
// cursor, all inside a single transaction. A failure anywhere rolls the
// whole batch back, so a retried job re-inserts and re-aggregates the same
// events instead of leaving orphaned rows outside the rollups.
func (s *Store) CommitPlays(ctx context.Context, userID string, events []ListeningEvent, bucket func(added []ListeningEvent) StatDeltas, advanceCursor bool) (PlayOutcomes, error) {
	var out PlayOutcomes
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		out = PlayOutcomes{}
		txs := s.view(tx)

		var added []ListeningEvent
		var maxAdded time.Time
		for _, ev := range events {
			outcome, err := txs.WriteEvent(ctx, ev)
			if err != nil {
				return err
			}
			switch outcome {
			case EventAdded:
				out.Added++
				added = append(added, ev)
				if ev.PlayedAt.After(maxAdded) {
					maxAdded = ev.PlayedAt
				}
			case EventUpdated:
				out.Updated++
			default:
				out.Skipped++
			}
		}
		if len(added) == 0 {
			return nil
		}

		d := bucket(added)
		if err := txs.ApplyTrackDeltas(ctx, userID, d.Tracks); err != nil {
			return err
		}
		if err := txs.ApplyArtistDeltas(ctx, userID, d.Artists); err != nil {
			return err
		}
		if err := txs.ApplyDayDeltas(ctx, userID, d.Days); err != nil {
			return err
		}
		if err := txs.ApplyHourDeltas(ctx, userID, d.Hours); err != nil {
			return err
		}
		if advanceCursor {
			return txs.AdvanceLastIngestedAt(ctx, userID, maxAdded)
		}
		return nil
	})
	return out, err
}

// RecentEvent is one row of the recent-plays window used by TOP_K_RECENT.
type RecentEvent struct {
	TrackID  int64
	PlayedAt time.Time
}

// RecentEvents returns the newest events for a user, optionally bounded to a
// date window, newest first.
func (s *Store) RecentEvents(ctx context.Context, userID string, limit int, start, end *time.Time) ([]RecentEvent, error) {
	query := `SELECT track_id, played_at FROM listening_events WHERE user_id = $1`
	args := []any{userID}
	if start != nil {
		args = append(args, *start)
		query += ` AND played_at >= $2`
	}
	if end != nil {
		args = append(args, *end)
		if start != nil {
			query += ` AND played_at <= $3`
		} else {
			query += ` AND played_at <= $2`
		}
	}
	args = append(args, limit)
	query += ` ORDER BY played_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.q().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecentEvent
	for rows.Next() {
		var e RecentEvent
		if err := rows.Scan(&e.TrackID, &e.PlayedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
