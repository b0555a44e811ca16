// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"
)

// PartitionName returns the monthly partition identifier for an instant,
// e.g. listening_events_y2026m08.
func PartitionName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("listening_events_y%04dm%02d", t.Year(), int(t.Month()))
}

// MonthRange returns the UTC month boundaries [start, end) containing t.
func MonthRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// EnsureMonthlyPartition creates the partition covering t if it does not
// exist, plus the per-partition unique index that backs event dedup. The
// parent table cannot carry the unique constraint because played_at alone
// is the partition key.
func (s *Store) EnsureMonthlyPartition(ctx context.Context, t time.Time) error {
	name := PartitionName(t)
	start, end := MonthRange(t)
	_, err := s.q().Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF listening_events
		FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(time.RFC3339), end.Format(time.RFC3339)))
	if err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	_, err = s.q().Exec(ctx, fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s_user_track_played
		ON %s (user_id, track_id, played_at)`, name, name))
	if err != nil {
		return fmt.Errorf("index partition %s: %w", name, err)
	}
	return nil
}

// EnsurePartitionsAhead provisions the current month plus the next n months.
func (s *Store) EnsurePartitionsAhead(ctx context.Context, now time.Time, n int) error {
	cursor := now.UTC()
	for i := 0; i <= n; i++ {
		if err := s.EnsureMonthlyPartition(ctx, cursor); err != nil {
			return err
		}
		start, _ := MonthRange(cursor)
		cursor = start.AddDate(0, 1, 0)
	}
	return nil
}
