// SPDX-License-Identifier: MIT

// auralogd is the listening-history backend: one process hosting the HTTP
// surface, the background worker pools and the playlist stall reaper.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/auralog/auralog/internal/api"
	"github.com/auralog/auralog/internal/auth"
	"github.com/auralog/auralog/internal/catalog"
	"github.com/auralog/auralog/internal/config"
	"github.com/auralog/auralog/internal/ingest"
	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/playlist"
	"github.com/auralog/auralog/internal/queue"
	"github.com/auralog/auralog/internal/ratelimit"
	"github.com/auralog/auralog/internal/resilience"
	"github.com/auralog/auralog/internal/scheduler"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
	"github.com/auralog/auralog/internal/token"
	"github.com/auralog/auralog/internal/topstats"
	"github.com/auralog/auralog/internal/worker"
)

const (
	breakerThreshold    = 5
	breakerResetTimeout = 30 * time.Second
	metadataWorkers     = 1
	importWorkers       = 1
	connectMaxElapsed   = 2 * time.Minute
)

// playlistJobRate caps the playlist pool at 10 jobs per minute across all
// its consumers.
var playlistJobRate = rate.Every(6 * time.Second)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Configure(log.Config{Service: "auralogd"})
		logger := log.WithComponent("main")
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "auralogd"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := mustConnectStore(ctx, cfg.DatabaseURL)
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("schema setup failed")
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis unreachable")
	}

	syncQ := queue.New(rdb, "sync")
	topQ := queue.New(rdb, "topstats")
	playQ := queue.New(rdb, "playlist")
	metaQ := queue.New(rdb, "artist_meta")
	importQ := queue.New(rdb, "import")

	client := spotify.New(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURI)
	cipher, err := auth.NewCipher(cfg.HMACSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("token cipher setup failed")
	}
	tokens := auth.NewManager(st, client, cipher)

	limiter := ratelimit.New(ratelimit.Config{})
	breakers := resilience.NewRegistry(breakerThreshold, breakerResetTimeout,
		resilience.WithShouldCount(spotify.ShouldCount))
	guard := worker.NewGuard(client, limiter, breakers)

	cat := catalog.New(st, metaQ)
	ingestor := ingest.New(st, cat, guard, syncQ)
	top := topstats.New(st, cat, guard, topQ)
	builder := playlist.New(st, guard, top)
	slots := playlist.NewSlots(rdb, st)
	sched := scheduler.New(st, rdb, syncQ, topQ)
	minter := token.New(cfg.HMACSecret)

	pools := []*worker.Pool{
		worker.NewPool("sync", syncQ, worker.SyncHandler(ingestor, tokens), cfg.SyncWorkers),
		worker.NewPool("topstats", topQ, worker.TopStatsHandler(top, tokens), cfg.TopStatsWorkers),
		worker.NewPool("playlist", playQ,
			worker.PlaylistHandler(builder, st, slots, tokens), cfg.PlaylistWorkers,
			worker.WithJobRate(playlistJobRate, 1)),
		worker.NewPool("artist_meta", metaQ, worker.MetadataHandler(cat, guard, client), metadataWorkers),
		worker.NewPool("import", importQ, worker.ImportHandler(ingestor, st), importWorkers),
	}

	srv := api.New(api.Config{
		SessionSecret: cfg.HMACSecret,
		SessionTTL:    cfg.SessionTTL,
		CronSecret:    cfg.CronSecret,
	}, st, rdb, client, tokens, minter, top, slots, playQ, importQ, sched)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		reapStalledPlaylists(gctx, sched)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("shutdown with error")
	}
	logger.Info().Msg("shutdown complete")
}

// mustConnectStore retries the initial database connection; deploys often
// race the database coming up.
func mustConnectStore(ctx context.Context, databaseURL string) *store.Store {
	logger := log.WithComponent("main")
	st, err := backoff.Retry(ctx, func() (*store.Store, error) {
		s, err := store.New(ctx, databaseURL)
		if err != nil {
			logger.Warn().Err(err).Msg("database not ready, retrying")
		}
		return s, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectMaxElapsed))
	if err != nil {
		logger.Fatal().Err(err).Msg("database unreachable")
	}
	return st
}

// reapStalledPlaylists fails in-progress playlist jobs whose heartbeat went
// quiet, so their queue entries were lost with a crashed worker.
func reapStalledPlaylists(ctx context.Context, sched *scheduler.Scheduler) {
	logger := log.WithComponent("main")
	ticker := time.NewTicker(playlist.StallCutoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sched.ReapStalledPlaylists(ctx); err != nil {
				logger.Error().Err(err).Msg("playlist reap failed")
			}
		}
	}
}
