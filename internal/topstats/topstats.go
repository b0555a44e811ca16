// SPDX-License-Identifier: MIT

// Package topstats maintains the cached top-50 track and artist lists. A
// refresh is three phases: fetch all six provider lists, upsert the catalog,
// then swap the rank rows atomically. Failures before the swap leave the
// previous run fully intact.
package topstats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/metrics"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

const (
	// TopN is the rank depth per term and kind.
	TopN = 50

	// Refresh-age thresholds per login tier.
	tier1MaxAge = 24 * time.Hour
	tier2MaxAge = 72 * time.Hour
	tier3MaxAge = 24 * time.Hour

	tier1LoginWindow = 48 * time.Hour
	tier2LoginWindow = 7 * 24 * time.Hour

	// ensureCacheMaxAge is the synchronous-path freshness bound used by
	// playlist creation.
	ensureCacheMaxAge = time.Hour
)

var terms = []store.Term{store.TermShort, store.TermMedium, store.TermLong}

// providerTerm maps the storage term onto the provider's time_range value.
func providerTerm(t store.Term) spotify.Term {
	switch t {
	case store.TermShort:
		return spotify.TermShort
	case store.TermMedium:
		return spotify.TermMedium
	default:
		return spotify.TermLong
	}
}

// RefreshJob is the payload of one top-stats queue job.
type RefreshJob struct {
	UserID string `json:"user_id"`
}

// Provider is the slice of the provider client the refresher needs.
type Provider interface {
	TopTracks(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Track, error)
	TopArtists(ctx context.Context, token string, term spotify.Term, limit int) ([]spotify.Artist, error)
}

// Catalog resolves provider objects into internal ids.
type Catalog interface {
	UpsertTracks(ctx context.Context, tracks []spotify.Track) (map[string]int64, error)
	UpsertArtists(ctx context.Context, artists []spotify.Artist) (map[string]int64, error)
}

// Store is the persistence surface the refresher needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	ReplaceTopEntries(ctx context.Context, userID string, entries []store.TopEntry, at time.Time) error
	TopEntriesDetailed(ctx context.Context, userID string, term store.Term, kind store.TopEntryKind) ([]store.TopEntryDetail, error)
}

// Enqueuer schedules refresh jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error)
}

// Refresher rebuilds a user's cached top lists.
type Refresher struct {
	store    Store
	catalog  Catalog
	provider Provider
	queue    Enqueuer
	now      func() time.Time
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

func New(s Store, c Catalog, p Provider, queue Enqueuer, opts ...Option) *Refresher {
	r := &Refresher{store: s, catalog: c, provider: p, queue: queue, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

type fetched struct {
	tracks  map[store.Term][]spotify.Track
	artists map[store.Term][]spotify.Artist
}

// Refresh rebuilds all six lists for a user. Cancellation is honored at each
// phase boundary; once the commit transaction starts it runs to completion.
func (r *Refresher) Refresh(ctx context.Context, token, userID string) error {
	logger := log.WithComponent("topstats").With().Str("user_id", userID).Logger()

	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := r.fetch(ctx, token)
	if err != nil {
		metrics.RecordTopRefresh("fetch_failed")
		return fmt.Errorf("topstats: fetch: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	trackIDs, artistIDs, err := r.upsertCatalog(ctx, f)
	if err != nil {
		metrics.RecordTopRefresh("catalog_failed")
		return fmt.Errorf("topstats: catalog: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	entries := buildEntries(userID, f, trackIDs, artistIDs)
	if err := r.store.ReplaceTopEntries(ctx, userID, entries, r.now()); err != nil {
		metrics.RecordTopRefresh("commit_failed")
		return fmt.Errorf("topstats: commit: %w", err)
	}

	metrics.RecordTopRefresh("ok")
	logger.Info().Int("entries", len(entries)).Msg("top stats refreshed")
	return nil
}

// fetch issues the six provider calls in parallel; any failure fails the
// whole phase so a partial result can never reach the commit.
func (r *Refresher) fetch(ctx context.Context, token string) (*fetched, error) {
	f := &fetched{
		tracks:  make(map[store.Term][]spotify.Track, len(terms)),
		artists: make(map[store.Term][]spotify.Artist, len(terms)),
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, term := range terms {
		g.Go(func() error {
			items, err := r.provider.TopTracks(gctx, token, providerTerm(term), TopN)
			if err != nil {
				return err
			}
			f.tracks[term] = items
			return nil
		})
		g.Go(func() error {
			items, err := r.provider.TopArtists(gctx, token, providerTerm(term), TopN)
			if err != nil {
				return err
			}
			f.artists[term] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Refresher) upsertCatalog(ctx context.Context, f *fetched) (map[string]int64, map[string]int64, error) {
	var allTracks []spotify.Track
	var allArtists []spotify.Artist
	for _, term := range terms {
		allTracks = append(allTracks, f.tracks[term]...)
		allArtists = append(allArtists, f.artists[term]...)
	}
	trackIDs, err := r.catalog.UpsertTracks(ctx, allTracks)
	if err != nil {
		return nil, nil, err
	}
	artistIDs, err := r.catalog.UpsertArtists(ctx, allArtists)
	if err != nil {
		return nil, nil, err
	}
	return trackIDs, artistIDs, nil
}

func buildEntries(userID string, f *fetched, trackIDs, artistIDs map[string]int64) []store.TopEntry {
	var entries []store.TopEntry
	for _, term := range terms {
		rank := 0
		for _, t := range f.tracks[term] {
			id, ok := trackIDs[t.ID]
			if !ok {
				continue
			}
			rank++
			if rank > TopN {
				break
			}
			entries = append(entries, store.TopEntry{
				UserID: userID, Term: term, Kind: store.TopTracks, Rank: rank, EntityID: id,
			})
		}
		rank = 0
		for _, a := range f.artists[term] {
			id, ok := artistIDs[a.ID]
			if !ok {
				continue
			}
			rank++
			if rank > TopN {
				break
			}
			entries = append(entries, store.TopEntry{
				UserID: userID, Term: term, Kind: store.TopArtists, Rank: rank, EntityID: id,
			})
		}
	}
	return entries
}

// Tier classifies a user by login recency: 1 is active, 3 is dormant.
func Tier(lastLoginAt *time.Time, now time.Time) int {
	if lastLoginAt == nil {
		return 3
	}
	switch age := now.Sub(*lastLoginAt); {
	case age <= tier1LoginWindow:
		return 1
	case age <= tier2LoginWindow:
		return 2
	default:
		return 3
	}
}

// NeedsRefresh reports whether the cached lists are stale for the user's tier.
func NeedsRefresh(u *store.User, now time.Time) bool {
	if u.TopStatsRefreshedAt == nil {
		return true
	}
	age := now.Sub(*u.TopStatsRefreshedAt)
	switch Tier(u.LastLoginAt, now) {
	case 1:
		return age >= tier1MaxAge
	case 2:
		return age >= tier2MaxAge
	default:
		return age >= tier3MaxAge
	}
}

// JobID is the natural queue id for a user's refresh; one pending job per
// user at a time.
func JobID(userID string) string { return "topstats:" + userID }

// TriggerLazyRefreshIfStale enqueues a high-priority refresh when the cache
// is stale. It never blocks the calling read.
func (r *Refresher) TriggerLazyRefreshIfStale(ctx context.Context, userID string) {
	logger := log.WithComponent("topstats")
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).
			Msg("lazy refresh: user lookup failed")
		return
	}
	if !NeedsRefresh(u, r.now()) {
		return
	}
	if _, err := r.queue.Enqueue(ctx, JobID(userID), RefreshJob{UserID: userID}, 10, 0); err != nil {
		logger.Error().Err(err).Str("user_id", userID).
			Msg("lazy refresh: enqueue failed")
	}
}

// EnsureTopTracksCached returns the cached top tracks for a term, running a
// synchronous refresh first when the cache is older than an hour. Playlist
// builds depend on this being current.
func (r *Refresher) EnsureTopTracksCached(ctx context.Context, token, userID string, term store.Term) ([]store.TopEntryDetail, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.TopStatsRefreshedAt == nil || r.now().Sub(*u.TopStatsRefreshedAt) > ensureCacheMaxAge {
		if err := r.Refresh(ctx, token, userID); err != nil {
			return nil, err
		}
	}
	details, err := r.store.TopEntriesDetailed(ctx, userID, term, store.TopTracks)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, errors.New("topstats: no cached top tracks after refresh")
	}
	return details, nil
}
