// SPDX-License-Identifier: MIT

// Package playlist builds derived playlists on the provider from a durable
// job row. Every step persists its progress, so a retried job resumes where
// the previous attempt stopped instead of duplicating work upstream.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

const (
	// MinTracks below which a build is rejected as pointless.
	MinTracks = 25
	// MaxTracks above which the resolved list is truncated.
	MaxTracks = 10000

	// HeartbeatInterval is how often a running build stamps liveness.
	HeartbeatInterval = 30 * time.Second
	// StallCutoff is the heartbeat age past which the reaper fails a job.
	StallCutoff = 5 * time.Minute
	// BuildWallClock bounds one build attempt. The heartbeat keeps a hung
	// but alive worker out of the reaper's reach, so the attempt has to cut
	// itself off.
	BuildWallClock = 5 * time.Minute

	addBatchSize = spotify.MaxAddTracksPerReq
	recentFactor = 3
)

// BuildJob is the payload of one playlist-queue job.
type BuildJob struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

// ErrTooFewTracks marks a terminal validation failure.
var ErrTooFewTracks = errors.New("playlist: fewer than 25 tracks resolved")

// Store is the persistence surface the builder needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetPlaylistJob(ctx context.Context, id string) (*store.PlaylistJob, error)
	SetPlaylistJobStatus(ctx context.Context, id string, status store.PlaylistJobStatus) error
	SetProviderPlaylist(ctx context.Context, id, providerPlaylistID, url string) error
	SetPlaylistTrackTotals(ctx context.Context, id string, total int) error
	SetAddedTracks(ctx context.Context, id string, added int) error
	HeartbeatPlaylistJob(ctx context.Context, id string) error
	CompletePlaylistJob(ctx context.Context, id string, processingTime time.Duration) error
	FailPlaylistJob(ctx context.Context, id, message string) error
	AllTimeTopTracks(ctx context.Context, userID string, limit int) ([]store.Track, error)
	RecentEvents(ctx context.Context, userID string, limit int, start, end *time.Time) ([]store.RecentEvent, error)
	TracksByIDs(ctx context.Context, ids []int64) (map[int64]store.Track, error)
}

// Provider is the slice of the provider client the builder needs.
type Provider interface {
	PlaylistTracks(ctx context.Context, token, playlistID string, limit, offset int) (*spotify.PlaylistTracksPage, error)
	CreatePlaylist(ctx context.Context, token, providerUserID, name string, public bool) (*spotify.Playlist, error)
	AddTracks(ctx context.Context, token, playlistID string, uris []string) error
	UploadCover(ctx context.Context, token, playlistID, imageBase64 string) error
}

// TopCache serves cached top tracks, refreshing synchronously when stale.
type TopCache interface {
	EnsureTopTracksCached(ctx context.Context, token, userID string, term store.Term) ([]store.TopEntryDetail, error)
}

// Builder executes playlist jobs.
type Builder struct {
	store     Store
	provider  Provider
	top       TopCache
	now       func() time.Time
	rng       *rand.Rand
	wallClock time.Duration
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithRand overrides the shuffle source in tests.
func WithRand(rng *rand.Rand) Option {
	return func(b *Builder) { b.rng = rng }
}

// WithWallClock overrides the per-attempt time budget in tests.
func WithWallClock(d time.Duration) Option {
	return func(b *Builder) { b.wallClock = d }
}

func New(s Store, p Provider, top TopCache, opts ...Option) *Builder {
	b := &Builder{
		store:     s,
		provider:  p,
		top:       top,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		wallClock: BuildWallClock,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run executes one playlist job to completion. Terminal problems mark the
// row FAILED and return nil (the queue job is done); retryable provider
// errors are returned to the caller, which routes them through the queue's
// retry or pause machinery.
func (b *Builder) Run(ctx context.Context, token string, jobID string) error {
	logger := log.WithComponent("playlist").With().Str("job_id", jobID).Logger()

	// One attempt gets a bounded wall clock; a deadline surfaces as a
	// retryable error so the queue's retry budget decides the job's fate.
	ctx, cancel := context.WithTimeout(ctx, b.wallClock)
	defer cancel()

	job, err := b.store.GetPlaylistJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("playlist: load job: %w", err)
	}
	if job.Status == store.PlaylistCompleted || job.Status == store.PlaylistFailed {
		logger.Warn().Str("status", string(job.Status)).Msg("job already terminal, skipping")
		return nil
	}
	startedAt := b.now()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	stopHeartbeat := b.startHeartbeat(ctx, jobID)
	defer stopHeartbeat()

	if err := b.store.SetPlaylistJobStatus(ctx, jobID, store.PlaylistCreating); err != nil {
		return fmt.Errorf("playlist: set status: %w", err)
	}

	tracks, err := b.resolveTracks(ctx, token, job)
	if err != nil {
		return b.routeError(ctx, job, err, logger)
	}
	if len(tracks) < MinTracks {
		return b.fail(ctx, jobID, fmt.Sprintf("only %d tracks resolved, need at least %d", len(tracks), MinTracks), logger)
	}
	if len(tracks) > MaxTracks {
		logger.Warn().Int("resolved", len(tracks)).Msg("truncating track list")
		tracks = tracks[:MaxTracks]
	}
	if err := b.store.SetPlaylistTrackTotals(ctx, jobID, len(tracks)); err != nil {
		return fmt.Errorf("playlist: persist totals: %w", err)
	}

	playlistID, err := b.ensurePlaylist(ctx, token, job)
	if err != nil {
		return b.routeError(ctx, job, err, logger)
	}

	if err := b.store.SetPlaylistJobStatus(ctx, jobID, store.PlaylistAddingTracks); err != nil {
		return fmt.Errorf("playlist: set status: %w", err)
	}
	if err := b.addTracks(ctx, token, job, playlistID, tracks); err != nil {
		return b.routeError(ctx, job, err, logger)
	}

	if job.CoverImageBase64 != nil && *job.CoverImageBase64 != "" {
		if err := b.store.SetPlaylistJobStatus(ctx, jobID, store.PlaylistUploadingImage); err != nil {
			return fmt.Errorf("playlist: set status: %w", err)
		}
		if err := b.provider.UploadCover(ctx, token, playlistID, *job.CoverImageBase64); err != nil {
			return b.routeError(ctx, job, err, logger)
		}
	}

	if err := b.store.CompletePlaylistJob(ctx, jobID, b.now().Sub(startedAt)); err != nil {
		return fmt.Errorf("playlist: complete: %w", err)
	}
	logger.Info().Int("tracks", len(tracks)).Msg("playlist build completed")
	return nil
}

// routeError decides between terminal failure (mark FAILED, consume the job)
// and propagation (queue retries or pauses).
func (b *Builder) routeError(ctx context.Context, job *store.PlaylistJob, err error, logger zerolog.Logger) error {
	switch {
	case errors.Is(err, ErrTooFewTracks),
		errors.Is(err, spotify.ErrInvalidInput),
		errors.Is(err, spotify.ErrForbidden),
		errors.Is(err, spotify.ErrAPI):
		return b.fail(ctx, job.ID, err.Error(), logger)
	default:
		return err
	}
}

func (b *Builder) fail(ctx context.Context, jobID, message string, logger zerolog.Logger) error {
	logger.Warn().Str("reason", message).Msg("playlist build failed terminally")
	if err := b.store.FailPlaylistJob(ctx, jobID, message); err != nil {
		return fmt.Errorf("playlist: mark failed: %w", err)
	}
	return nil
}

func (b *Builder) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.store.HeartbeatPlaylistJob(ctx, jobID); err != nil {
					logger := log.WithComponent("playlist")
					logger.Warn().Err(err).
						Str("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// ensurePlaylist creates the upstream playlist exactly once across retries:
// a persisted id is always reused.
func (b *Builder) ensurePlaylist(ctx context.Context, token string, job *store.PlaylistJob) (string, error) {
	if job.SpotifyPlaylistID != nil && *job.SpotifyPlaylistID != "" {
		return *job.SpotifyPlaylistID, nil
	}
	user, err := b.store.GetUser(ctx, job.UserID)
	if err != nil {
		return "", fmt.Errorf("playlist: load user: %w", err)
	}
	created, err := b.provider.CreatePlaylist(ctx, token, user.ProviderID, job.Name, job.IsPublic)
	if err != nil {
		return "", err
	}
	if err := b.store.SetProviderPlaylist(ctx, job.ID, created.ID, created.ExternalURLs.Spotify); err != nil {
		return "", fmt.Errorf("playlist: persist provider playlist: %w", err)
	}
	return created.ID, nil
}

// addTracks resumes from the last fully persisted batch.
func (b *Builder) addTracks(ctx context.Context, token string, job *store.PlaylistJob, playlistID string, tracks []ShuffleTrack) error {
	startBatch := job.AddedTracks / addBatchSize
	for batch := startBatch; batch*addBatchSize < len(tracks); batch++ {
		start := batch * addBatchSize
		end := min(start+addBatchSize, len(tracks))
		uris := make([]string, 0, end-start)
		for _, t := range tracks[start:end] {
			uris = append(uris, t.URI)
		}
		if err := b.provider.AddTracks(ctx, token, playlistID, uris); err != nil {
			return err
		}
		if err := b.store.SetAddedTracks(ctx, job.ID, end); err != nil {
			return fmt.Errorf("playlist: persist progress: %w", err)
		}
	}
	return nil
}

func (b *Builder) resolveTracks(ctx context.Context, token string, job *store.PlaylistJob) ([]ShuffleTrack, error) {
	switch job.CreationMethod {
	case store.MethodShuffle:
		return b.resolveShuffle(ctx, token, job)
	case store.MethodTop50Short:
		return b.resolveTopTerm(ctx, token, job.UserID, store.TermShort)
	case store.MethodTop50Medium:
		return b.resolveTopTerm(ctx, token, job.UserID, store.TermMedium)
	case store.MethodTop50Long:
		return b.resolveTopTerm(ctx, token, job.UserID, store.TermLong)
	case store.MethodTop50AllTime:
		return b.resolveAllTime(ctx, job.UserID)
	case store.MethodTopKRecent:
		return b.resolveRecent(ctx, job)
	default:
		return nil, fmt.Errorf("playlist: unknown creation method %q", job.CreationMethod)
	}
}

func (b *Builder) resolveShuffle(ctx context.Context, token string, job *store.PlaylistJob) ([]ShuffleTrack, error) {
	if job.SourcePlaylistID == nil || *job.SourcePlaylistID == "" {
		return nil, fmt.Errorf("playlist: shuffle without source playlist")
	}
	var tracks []ShuffleTrack
	for offset := 0; ; offset += spotify.MaxPlaylistPage {
		page, err := b.provider.PlaylistTracks(ctx, token, *job.SourcePlaylistID, spotify.MaxPlaylistPage, offset)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.IsLocal || item.Track.IsLocal || item.Track.URI == "" {
				continue
			}
			st := ShuffleTrack{URI: item.Track.URI}
			if len(item.Track.Artists) > 0 {
				st.ArtistID = item.Track.Artists[0].ID
			}
			tracks = append(tracks, st)
		}
		if len(page.Items) < spotify.MaxPlaylistPage || page.Next == "" {
			break
		}
	}
	if job.ShuffleMode != nil && *job.ShuffleMode == "smart" {
		SmartShuffle(tracks, b.rng)
	} else {
		FisherYates(tracks, b.rng)
	}
	return tracks, nil
}

func (b *Builder) resolveTopTerm(ctx context.Context, token, userID string, term store.Term) ([]ShuffleTrack, error) {
	details, err := b.top.EnsureTopTracksCached(ctx, token, userID, term)
	if err != nil {
		return nil, err
	}
	tracks := make([]ShuffleTrack, 0, len(details))
	for _, d := range details {
		if d.URI == "" {
			continue
		}
		tracks = append(tracks, ShuffleTrack{URI: d.URI})
	}
	return tracks, nil
}

func (b *Builder) resolveAllTime(ctx context.Context, userID string) ([]ShuffleTrack, error) {
	rows, err := b.store.AllTimeTopTracks(ctx, userID, 50)
	if err != nil {
		return nil, err
	}
	tracks := make([]ShuffleTrack, 0, len(rows))
	for _, t := range rows {
		if t.URI == "" {
			continue
		}
		tracks = append(tracks, ShuffleTrack{URI: t.URI})
	}
	return tracks, nil
}

// resolveRecent reads the newest k·3 events, deduplicates by track and keeps
// the first k distinct tracks.
func (b *Builder) resolveRecent(ctx context.Context, job *store.PlaylistJob) ([]ShuffleTrack, error) {
	if job.KValue == nil || *job.KValue <= 0 {
		return nil, fmt.Errorf("playlist: recent method without k")
	}
	k := *job.KValue
	events, err := b.store.RecentEvents(ctx, job.UserID, k*recentFactor, job.StartDate, job.EndDate)
	if err != nil {
		return nil, err
	}
	var ids []int64
	seen := make(map[int64]struct{})
	for _, ev := range events {
		if _, ok := seen[ev.TrackID]; ok {
			continue
		}
		seen[ev.TrackID] = struct{}{}
		ids = append(ids, ev.TrackID)
		if len(ids) == k {
			break
		}
	}
	rows, err := b.store.TracksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	tracks := make([]ShuffleTrack, 0, len(ids))
	for _, id := range ids {
		t, ok := rows[id]
		if !ok || t.URI == "" {
			continue
		}
		tracks = append(tracks, ShuffleTrack{URI: t.URI})
	}
	return tracks, nil
}
