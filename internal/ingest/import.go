// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/auralog/auralog/internal/aggregate"
	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

// ImportRecord is one play from an offline history export. Unlike the live
// feed it carries the real listening duration.
type ImportRecord struct {
	Track    spotify.Track `json:"track"`
	PlayedAt time.Time     `json:"played_at"`
	MsPlayed int64         `json:"ms_played"`
}

// ImportJob is the payload of one import-queue job.
type ImportJob struct {
	JobID   string         `json:"job_id"`
	UserID  string         `json:"user_id"`
	Records []ImportRecord `json:"records"`
}

// ImportStore extends Store with import-job bookkeeping.
type ImportStore interface {
	Store
	SetImportJobStatus(ctx context.Context, id string, status store.ImportJobStatus) error
	SetImportProgress(ctx context.Context, id string, total, added int) error
	FailImportJob(ctx context.Context, id, message string) error
}

const importBatchSize = 500

// Import replays an offline export through the same resolution table as the
// live sync: exact import rows claim API estimates, existing exact rows win.
// The sync cursor is not touched; imports describe the past.
func (i *Ingestor) Import(ctx context.Context, s ImportStore, jobID, userID string, records []ImportRecord) (Summary, error) {
	logger := log.WithComponent("ingest").With().
		Str("user_id", userID).Str("import_job_id", jobID).Logger()

	if err := s.SetImportJobStatus(ctx, jobID, store.ImportProcessing); err != nil {
		return Summary{}, fmt.Errorf("ingest: mark import processing: %w", err)
	}
	settings, err := s.GetSettings(ctx, userID)
	if err != nil {
		return Summary{}, i.failImport(ctx, s, jobID, fmt.Errorf("ingest: load settings: %w", err))
	}

	var summary Summary
	for start := 0; start < len(records); start += importBatchSize {
		end := min(start+importBatchSize, len(records))
		batch := records[start:end]

		tracks := make([]spotify.Track, 0, len(batch))
		for _, r := range batch {
			tracks = append(tracks, r.Track)
		}
		trackIDs, err := i.catalog.UpsertTracks(ctx, tracks)
		if err != nil {
			return summary, i.failImport(ctx, s, jobID, fmt.Errorf("ingest: import catalog: %w", err))
		}

		events := make([]store.ListeningEvent, 0, len(batch))
		for _, r := range batch {
			trackID, ok := trackIDs[r.Track.ID]
			if !ok {
				summary.Skipped++
				continue
			}
			events = append(events, store.ListeningEvent{
				UserID:      userID,
				TrackID:     trackID,
				PlayedAt:    r.PlayedAt,
				MsPlayed:    r.MsPlayed,
				IsEstimated: false,
				Source:      store.SourceImport,
			})
		}

		if len(events) > 0 {
			artistIDs, err := s.ArtistIDsForTracks(ctx, trackIDsOf(events))
			if err != nil {
				return summary, i.failImport(ctx, s, jobID, fmt.Errorf("ingest: import artists: %w", err))
			}
			loc := aggregate.Location(settings.Timezone)
			out, err := s.CommitPlays(ctx, userID, events, bucketFn(artistIDs, loc), false)
			if err != nil {
				return summary, i.failImport(ctx, s, jobID, fmt.Errorf("ingest: import commit: %w", err))
			}
			summary.Added += out.Added
			summary.Updated += out.Updated
			summary.Skipped += out.Skipped
		}
		if err := s.SetImportProgress(ctx, jobID, len(records), summary.Added); err != nil {
			return summary, fmt.Errorf("ingest: import progress: %w", err)
		}
	}

	if err := s.SetImportJobStatus(ctx, jobID, store.ImportCompleted); err != nil {
		return summary, fmt.Errorf("ingest: mark import completed: %w", err)
	}
	logger.Info().
		Int("total", len(records)).
		Int("added", summary.Added).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Msg("import finished")
	return summary, nil
}

func (i *Ingestor) failImport(ctx context.Context, s ImportStore, jobID string, cause error) error {
	if err := s.FailImportJob(ctx, jobID, cause.Error()); err != nil {
		logger := log.WithComponent("ingest")
		logger.Error().Err(err).Str("import_job_id", jobID).
			Msg("failed to mark import job failed")
	}
	return cause
}
