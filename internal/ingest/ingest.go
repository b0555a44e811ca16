// SPDX-License-Identifier: MIT

// Package ingest pulls a user's recent plays from the provider, resolves
// them against the catalog and commits events, rollups and the sync cursor
// in one transaction. The sync cursor only ever moves forward.
package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/auralog/auralog/internal/aggregate"
	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/metrics"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

const (
	// Cooldown between syncs for one user unless explicitly skipped.
	Cooldown = 5 * time.Minute
	// MaxFollowupIterations bounds backlog draining after a return from
	// offline.
	MaxFollowupIterations = 5

	followupDelayMin = time.Second
	followupDelayMax = 6 * time.Second
)

// SyncJob is the payload of one sync-queue job.
type SyncJob struct {
	UserID       string `json:"user_id"`
	SkipCooldown bool   `json:"skip_cooldown,omitempty"`
	Iteration    int    `json:"iteration,omitempty"`
}

// Summary reports what one sync run did.
type Summary struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Updated int `json:"updated"`
}

// Store is the persistence surface the ingestor needs. CommitPlays is
// atomic: events, rollup deltas and the cursor land together or not at all,
// so a retried job can never leave inserted rows out of the rollups.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetSettings(ctx context.Context, userID string) (*store.Settings, error)
	ArtistIDsForTracks(ctx context.Context, trackIDs []int64) (map[int64][]int64, error)
	CommitPlays(ctx context.Context, userID string, events []store.ListeningEvent, bucket func(added []store.ListeningEvent) store.StatDeltas, advanceCursor bool) (store.PlayOutcomes, error)
}

// Catalog resolves provider tracks into internal catalog ids.
type Catalog interface {
	UpsertTracks(ctx context.Context, tracks []spotify.Track) (map[string]int64, error)
}

// Provider is the slice of the provider client the ingestor needs.
type Provider interface {
	RecentlyPlayed(ctx context.Context, token string, after int64, limit int) (*spotify.RecentlyPlayedPage, error)
}

// Enqueuer schedules follow-up sync jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error)
}

// Ingestor runs sync jobs.
type Ingestor struct {
	store     Store
	catalog   Catalog
	provider  Provider
	syncQueue Enqueuer
	now       func() time.Time
	jitter    func() time.Duration
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithFollowupJitter overrides the follow-up delay in tests.
func WithFollowupJitter(fn func() time.Duration) Option {
	return func(i *Ingestor) { i.jitter = fn }
}

func New(s Store, c Catalog, p Provider, syncQueue Enqueuer, opts ...Option) *Ingestor {
	in := &Ingestor{
		store:     s,
		catalog:   c,
		provider:  p,
		syncQueue: syncQueue,
		now:       time.Now,
		jitter: func() time.Duration {
			span := followupDelayMax - followupDelayMin
			return followupDelayMin + time.Duration(rand.Int63n(int64(span)))
		},
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Sync runs one sync job: cooldown gate, provider fetch, catalog upsert,
// then one transactional commit of events, rollups and cursor. A failed
// commit leaves nothing behind, so the next run re-fetches the same page.
func (i *Ingestor) Sync(ctx context.Context, token string, job SyncJob) (Summary, error) {
	logger := log.WithComponentFromContext(ctx, "ingest").With().
		Str("user_id", job.UserID).Int("iteration", job.Iteration).Logger()

	user, err := i.store.GetUser(ctx, job.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: load user: %w", err)
	}
	settings, err := i.store.GetSettings(ctx, job.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: load settings: %w", err)
	}

	now := i.now()
	if !job.SkipCooldown && user.LastIngestedAt != nil &&
		now.Sub(*user.LastIngestedAt) < Cooldown {
		logger.Debug().Time("last_ingested_at", *user.LastIngestedAt).Msg("sync skipped, cooldown active")
		return Summary{}, nil
	}

	var after int64
	var cursor time.Time
	if user.LastIngestedAt != nil {
		cursor = *user.LastIngestedAt
		after = cursor.UnixMilli()
	}
	page, err := i.provider.RecentlyPlayed(ctx, token, after, spotify.MaxRecentlyPlayed)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: recently played: %w", err)
	}
	if len(page.Items) == 0 {
		logger.Debug().Msg("no new plays")
		return Summary{}, nil
	}

	tracks := make([]spotify.Track, 0, len(page.Items))
	for _, item := range page.Items {
		tracks = append(tracks, item.Track)
	}
	trackIDs, err := i.catalog.UpsertTracks(ctx, tracks)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: catalog: %w", err)
	}

	events := make([]store.ListeningEvent, 0, len(page.Items))
	unresolved := 0
	for _, item := range page.Items {
		trackID, ok := trackIDs[item.Track.ID]
		if !ok {
			// Local or otherwise unresolvable track.
			unresolved++
			continue
		}
		// The provider does not report listening duration for the
		// recently-played feed; the track duration is the estimate.
		events = append(events, store.ListeningEvent{
			UserID:      job.UserID,
			TrackID:     trackID,
			PlayedAt:    item.PlayedAt,
			MsPlayed:    item.Track.DurationMs,
			IsEstimated: true,
			Source:      store.SourceAPI,
		})
	}

	summary := Summary{Skipped: unresolved}
	if len(events) > 0 {
		artistIDs, err := i.store.ArtistIDsForTracks(ctx, trackIDsOf(events))
		if err != nil {
			return summary, fmt.Errorf("ingest: resolve artists: %w", err)
		}
		loc := aggregate.Location(settings.Timezone)
		out, err := i.store.CommitPlays(ctx, job.UserID, events,
			bucketFn(artistIDs, loc), true)
		if err != nil {
			return summary, fmt.Errorf("ingest: commit plays: %w", err)
		}
		summary.Added = out.Added
		summary.Updated = out.Updated
		summary.Skipped += out.Skipped
	}

	i.maybeFollowup(ctx, job, page, cursor, logger)

	metrics.RecordIngestOutcome("added", summary.Added)
	metrics.RecordIngestOutcome("skipped", summary.Skipped)
	metrics.RecordIngestOutcome("updated", summary.Updated)
	logger.Info().
		Int("added", summary.Added).
		Int("skipped", summary.Skipped).
		Int("updated", summary.Updated).
		Msg("sync finished")
	return summary, nil
}

// bucketFn builds the per-commit delta computation: only the rows the
// transaction actually inserted feed the rollups.
func bucketFn(artistIDs map[int64][]int64, loc *time.Location) func(added []store.ListeningEvent) store.StatDeltas {
	return func(added []store.ListeningEvent) store.StatDeltas {
		evs := make([]aggregate.Event, 0, len(added))
		for _, ev := range added {
			evs = append(evs, aggregate.Event{
				TrackID:   ev.TrackID,
				ArtistIDs: artistIDs[ev.TrackID],
				PlayedAt:  ev.PlayedAt,
				MsPlayed:  ev.MsPlayed,
			})
		}
		return aggregate.Bucket(evs, loc)
	}
}

// maybeFollowup enqueues a drain iteration when the page was full and made
// temporal progress past the prior cursor.
func (i *Ingestor) maybeFollowup(ctx context.Context, job SyncJob, page *spotify.RecentlyPlayedPage, cursor time.Time, logger zerolog.Logger) {
	if len(page.Items) < spotify.MaxRecentlyPlayed {
		return
	}
	if job.Iteration >= MaxFollowupIterations {
		logger.Warn().Msg("follow-up budget exhausted, backlog left for next scheduled sync")
		return
	}
	oldest := page.Items[0].PlayedAt
	for _, item := range page.Items[1:] {
		if item.PlayedAt.Before(oldest) {
			oldest = item.PlayedAt
		}
	}
	if !cursor.IsZero() && !oldest.After(cursor) {
		// No temporal progress; a follow-up would re-read the same page.
		return
	}
	next := SyncJob{UserID: job.UserID, SkipCooldown: true, Iteration: job.Iteration + 1}
	id := fmt.Sprintf("sync:%s:followup:%d", job.UserID, next.Iteration)
	delay := i.jitter()
	if _, err := i.syncQueue.Enqueue(ctx, id, next, 0, delay); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue follow-up sync")
		return
	}
	metrics.RecordIngestFollowup()
	logger.Debug().Dur("delay", delay).Int("iteration", next.Iteration).Msg("follow-up sync enqueued")
}

func trackIDsOf(events []store.ListeningEvent) []int64 {
	ids := make([]int64, 0, len(events))
	seen := make(map[int64]struct{}, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.TrackID]; ok {
			continue
		}
		seen[ev.TrackID] = struct{}{}
		ids = append(ids, ev.TrackID)
	}
	return ids
}
