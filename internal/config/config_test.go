// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AURALOG_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://localhost/auralog")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.SyncWorkers)
	assert.Equal(t, 3, cfg.TopStatsWorkers)
	assert.Equal(t, 2, cfg.PlaylistWorkers)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
}

func TestLoadRejectsMissingHMACSecretInProduction(t *testing.T) {
	t.Setenv("AURALOG_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/auralog")
	t.Setenv("AURALOG_HMAC_SECRET", "")
	t.Setenv("CRON_SECRET", "s3cret")

	_, err := Load()
	require.ErrorIs(t, err, errMissingHMACSecret)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	t.Setenv("AURALOG_ENV", "development")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("AL_TEST_INT", "17")
	t.Setenv("AL_TEST_BAD_INT", "nope")
	t.Setenv("AL_TEST_DUR", "90s")
	t.Setenv("AL_TEST_BOOL", "yes")
	t.Setenv("AL_TEST_FLOAT", "2.5")

	assert.Equal(t, 17, ParseInt("AL_TEST_INT", 1))
	assert.Equal(t, 1, ParseInt("AL_TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, ParseDuration("AL_TEST_DUR", time.Second))
	assert.True(t, ParseBool("AL_TEST_BOOL", false))
	assert.Equal(t, 2.5, ParseFloat("AL_TEST_FLOAT", 1.0))
	assert.Equal(t, "fallback", ParseString("AL_TEST_UNSET", "fallback"))
}
