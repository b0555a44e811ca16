// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/auralog/auralog/internal/auth"
	"github.com/auralog/auralog/internal/catalog"
	"github.com/auralog/auralog/internal/ingest"
	"github.com/auralog/auralog/internal/playlist"
	"github.com/auralog/auralog/internal/queue"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/topstats"
)

// TokenSource hands out per-user access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
	RecordSuccess(ctx context.Context, userID string) error
}

// SyncRunner runs one ingestion pass.
type SyncRunner interface {
	Sync(ctx context.Context, token string, job ingest.SyncJob) (ingest.Summary, error)
}

// TopRefresher rebuilds one user's top lists.
type TopRefresher interface {
	Refresh(ctx context.Context, token, userID string) error
}

// BuildRunner executes one playlist job.
type BuildRunner interface {
	Run(ctx context.Context, token, jobID string) error
}

// PlaylistJobStore is the bookkeeping slice the playlist handler needs.
type PlaylistJobStore interface {
	IncrementRateLimitDelays(ctx context.Context, id string) error
	IncrementPlaylistRetryCount(ctx context.Context, id string) error
	FailPlaylistJob(ctx context.Context, id, message string) error
}

// SlotReleaser frees a user's playlist admission slot.
type SlotReleaser interface {
	Release(ctx context.Context, userID string)
}

// userToken resolves the job's user token, mapping a revoked account to a
// terminal failure.
func userToken(ctx context.Context, tokens TokenSource, userID string) (string, error) {
	token, err := tokens.AccessToken(ctx, userID)
	if errors.Is(err, auth.ErrReauthRequired) {
		return "", Terminal(err)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// SyncHandler adapts the ingestor to the queue.
func SyncHandler(ing SyncRunner, tokens TokenSource) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j ingest.SyncJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return Terminal(err)
		}
		token, err := userToken(ctx, tokens, j.UserID)
		if err != nil {
			return err
		}
		if _, err := ing.Sync(ctx, token, j); err != nil {
			return err
		}
		return tokens.RecordSuccess(ctx, j.UserID)
	}
}

// TopStatsHandler adapts the refresher to the queue.
func TopStatsHandler(r TopRefresher, tokens TokenSource) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j topstats.RefreshJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return Terminal(err)
		}
		token, err := userToken(ctx, tokens, j.UserID)
		if err != nil {
			return err
		}
		if err := r.Refresh(ctx, token, j.UserID); err != nil {
			return err
		}
		return tokens.RecordSuccess(ctx, j.UserID)
	}
}

// PlaylistHandler adapts the builder to the queue. The builder marks its own
// terminal failures; this layer handles token loss, 429 bookkeeping, retry
// counting and slot release.
func PlaylistHandler(b BuildRunner, jobs PlaylistJobStore, slots SlotReleaser, tokens TokenSource) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j playlist.BuildJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return Terminal(err)
		}
		token, err := tokens.AccessToken(ctx, j.UserID)
		if errors.Is(err, auth.ErrReauthRequired) {
			_ = jobs.FailPlaylistJob(ctx, j.JobID, "account disconnected, please reconnect")
			slots.Release(ctx, j.UserID)
			return Terminal(err)
		}
		if err != nil {
			return err
		}

		err = b.Run(ctx, token, j.JobID)
		if err == nil {
			slots.Release(ctx, j.UserID)
			return tokens.RecordSuccess(ctx, j.UserID)
		}
		if errors.Is(err, spotify.ErrRateLimited) {
			_ = jobs.IncrementRateLimitDelays(ctx, j.JobID)
			return err
		}
		_ = jobs.IncrementPlaylistRetryCount(ctx, j.JobID)
		if job.Attempts >= job.MaxAttempts {
			// Last attempt: the queue is about to drop the job, so the row
			// must not be left in progress.
			_ = jobs.FailPlaylistJob(ctx, j.JobID, err.Error())
			slots.Release(ctx, j.UserID)
		}
		return err
	}
}

// ImportRunner replays an offline history export through ingestion.
type ImportRunner interface {
	Import(ctx context.Context, s ingest.ImportStore, jobID, userID string, records []ingest.ImportRecord) (ingest.Summary, error)
}

// ImportHandler adapts offline imports to the queue. Imports read only the
// uploaded records, so no provider token is involved.
func ImportHandler(ing ImportRunner, st ingest.ImportStore) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j ingest.ImportJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return Terminal(err)
		}
		_, err := ing.Import(ctx, st, j.JobID, j.UserID, j.Records)
		return err
	}
}

// ImageApplier writes enrichment results into the catalog.
type ImageApplier interface {
	ApplyArtistImages(ctx context.Context, images map[string]string) error
}

// ArtistFetcher is the provider slice the enrichment worker needs.
type ArtistFetcher interface {
	Artists(ctx context.Context, token string, ids []string) ([]spotify.Artist, error)
}

// AppTokenSource issues app-scoped tokens for userless catalog lookups.
type AppTokenSource interface {
	ClientCredentials(ctx context.Context) (*spotify.TokenResponse, error)
}

// MetadataHandler backfills artist images. It runs under an app token, cached
// until shortly before expiry.
func MetadataHandler(images ImageApplier, provider ArtistFetcher, creds AppTokenSource) Handler {
	var mu sync.Mutex
	var token string
	var expires time.Time

	appToken := func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Now().Before(expires) {
			return token, nil
		}
		res, err := creds.ClientCredentials(ctx)
		if err != nil {
			return "", err
		}
		token = res.AccessToken
		expires = time.Now().Add(time.Duration(res.ExpiresIn-60) * time.Second)
		return token, nil
	}

	return func(ctx context.Context, job *queue.Job) error {
		var j catalog.MetadataJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return Terminal(err)
		}
		tok, err := appToken(ctx)
		if err != nil {
			return err
		}
		artists, err := provider.Artists(ctx, tok, j.ArtistProviderIDs)
		if err != nil {
			return err
		}
		found := make(map[string]string, len(artists))
		for _, a := range artists {
			if url := a.ImageURL(); url != "" {
				found[a.ID] = url
			}
		}
		return images.ApplyArtistImages(ctx, found)
	}
}
