// SPDX-License-Identifier: MIT

// Package api is the inbound HTTP surface: OAuth login, the stats read API,
// playlist creation, imports and the cron trigger endpoints. Handlers stay
// thin; everything durable happens in the domain packages.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
	"github.com/auralog/auralog/internal/token"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, id string) (*store.User, error)
	UpsertUserAtLogin(ctx context.Context, id, providerID, displayName string, imageURL, country *string) (*store.User, error)
	TopEntriesDetailed(ctx context.Context, userID string, term store.Term, kind store.TopEntryKind) ([]store.TopEntryDetail, error)
	CreatePlaylistJob(ctx context.Context, j *store.PlaylistJob) error
	GetPlaylistJob(ctx context.Context, id string) (*store.PlaylistJob, error)
	GetPlaylistJobByIdempotencyKey(ctx context.Context, key string) (*store.PlaylistJob, error)
	CreateImportJob(ctx context.Context, id, userID string) error
	GetImportJob(ctx context.Context, id string) (*store.ImportJob, error)
}

// OAuth is the provider slice the login flow needs.
type OAuth interface {
	AuthorizeURL(state string, scopes []string) string
	Exchange(ctx context.Context, code string) (*spotify.TokenResponse, error)
	Me(ctx context.Context, accessToken string) (*spotify.UserProfile, error)
}

// TokenStore persists initial OAuth tokens.
type TokenStore interface {
	StoreInitialTokens(ctx context.Context, userID string, tok *spotify.TokenResponse) error
}

// TopStats is the refresher slice the read API needs.
type TopStats interface {
	TriggerLazyRefreshIfStale(ctx context.Context, userID string)
}

// Slots is the playlist admission control.
type Slots interface {
	TryAcquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, priority int, delay time.Duration) (bool, error)
}

// Cron exposes the scheduler operations behind the cron endpoints.
type Cron interface {
	SeedSync(ctx context.Context) (int, error)
	SeedTopStats(ctx context.Context) (int, error)
	ManagePartitions(ctx context.Context) error
	CleanupStaleImports(ctx context.Context) ([]string, error)
	ReapStalledPlaylists(ctx context.Context) ([]string, error)
}

// Config carries the server's runtime settings.
type Config struct {
	SessionSecret string
	SessionTTL    time.Duration
	CronSecret    string
	OAuthScopes   []string
}

// Server wires the HTTP routes to their collaborators.
type Server struct {
	cfg     Config
	store   Store
	rdb     *redis.Client
	oauth   OAuth
	tokens  TokenStore
	minter  *token.Minter
	top     TopStats
	slots   Slots
	playQ   Enqueuer
	importQ Enqueuer
	cron    Cron
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(cfg Config, st Store, rdb *redis.Client, oauth OAuth, tokens TokenStore,
	minter *token.Minter, top TopStats, slots Slots, playQ, importQ Enqueuer, cron Cron,
	opts ...Option) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if len(cfg.OAuthScopes) == 0 {
		cfg.OAuthScopes = defaultScopes
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		rdb:     rdb,
		oauth:   oauth,
		tokens:  tokens,
		minter:  minter,
		top:     top,
		slots:   slots,
		playQ:   playQ,
		importQ: importQ,
		cron:    cron,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var defaultScopes = []string{
	"user-read-private",
	"user-read-recently-played",
	"user-top-read",
	"playlist-read-private",
	"playlist-modify-public",
	"playlist-modify-private",
	"ugc-image-upload",
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))

		r.Get("/auth/login", s.handleLogin)
		r.Get("/auth/callback", s.handleCallback)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/stats/top/tracks", s.handleTopTracks)
			r.Get("/stats/top/tracks/export", s.handleTopTracksExport)
			r.Get("/stats/top/artists", s.handleTopArtists)
			r.Post("/playlists/validate", s.handlePlaylistValidate)
			r.Post("/playlists", s.handlePlaylistCreate)
			r.Get("/playlists/jobs/{id}", s.handlePlaylistJobStatus)
			r.Post("/imports", s.handleImportUpload)
			r.Get("/imports/{id}", s.handleImportStatus)
		})

		r.Route("/cron", func(r chi.Router) {
			r.Use(s.requireCronSecret)
			r.Post("/seed-sync", s.handleSeedSync)
			r.Post("/seed-top-stats", s.handleSeedTopStats)
			r.Post("/manage-partitions", s.handleManagePartitions)
			r.Post("/cleanup-stale-imports", s.handleCleanupStaleImports)
			r.Post("/reap-stalled-playlists", s.handleReapStalledPlaylists)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger := log.WithComponentFromContext(ctx, "api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
