// SPDX-License-Identifier: MIT

// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds every runtime setting for the auralogd process.
type Config struct {
	Env        string // "development" or "production"
	ListenAddr string

	DatabaseURL string
	RedisURL    string

	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyRedirectURI  string

	HMACSecret string // signs confirmation tokens and keys refresh-token encryption
	CronSecret string

	SessionTTL time.Duration

	SyncWorkers     int
	TopStatsWorkers int
	PlaylistWorkers int

	LogLevel string
}

var errMissingHMACSecret = errors.New("AURALOG_HMAC_SECRET must be set outside development")

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Env:        ParseString("AURALOG_ENV", "production"),
		ListenAddr: ParseString("LISTEN_ADDR", ":8080"),

		DatabaseURL: ParseString("DATABASE_URL", ""),
		RedisURL:    ParseString("REDIS_URL", "redis://localhost:6379/0"),

		SpotifyClientID:     ParseString("SPOTIFY_CLIENT_ID", ""),
		SpotifyClientSecret: ParseString("SPOTIFY_CLIENT_SECRET", ""),
		SpotifyRedirectURI:  ParseString("SPOTIFY_REDIRECT_URI", ""),

		HMACSecret: ParseString("AURALOG_HMAC_SECRET", ""),
		CronSecret: ParseString("CRON_SECRET", ""),

		SessionTTL: ParseDuration("SESSION_TTL", 30*24*time.Hour),

		SyncWorkers:     ParseInt("SYNC_WORKERS", 5),
		TopStatsWorkers: ParseInt("TOP_STATS_WORKERS", 3),
		PlaylistWorkers: ParseInt("PLAYLIST_WORKERS", 2),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

// Validate enforces the hard startup requirements.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.HMACSecret == "" && c.Env != "development" {
		return errMissingHMACSecret
	}
	if c.CronSecret == "" && c.Env != "development" {
		return fmt.Errorf("CRON_SECRET must be set outside development")
	}
	return nil
}
