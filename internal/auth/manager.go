// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

const (
	// Provider access tokens are valid for one hour; refreshing at 50
	// minutes keeps a 10-minute safety margin so a token handed to a
	// long-running job never expires mid-flight.
	accessTokenLifetime = time.Hour
	proactiveRefreshAge = 50 * time.Minute
	maxRefreshFailures  = 3
)

// ErrReauthRequired means the stored refresh token is revoked or invalid and
// the user has to go through the OAuth flow again.
var ErrReauthRequired = errors.New("auth: reauthentication required")

// Refresher is the slice of the provider client the manager needs.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*spotify.TokenResponse, error)
}

// Store is the persistence surface the manager needs.
type Store interface {
	GetAuthRecord(ctx context.Context, userID string) (*store.AuthRecord, error)
	UpsertAuthRecord(ctx context.Context, userID string, ciphertext []byte) error
	MarkTokenRefreshed(ctx context.Context, userID string, rotatedCiphertext []byte, at time.Time) error
	IncrementTokenFailures(ctx context.Context, userID string) (int, error)
	InvalidateAuth(ctx context.Context, userID string) error
	ResetTokenFailures(ctx context.Context, userID string) error
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Manager hands out valid access tokens, refreshing proactively and tracking
// refresh health per user.
type Manager struct {
	store    Store
	provider Refresher
	cipher   *Cipher
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedToken
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s Store, provider Refresher, cipher *Cipher, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		provider: provider,
		cipher:   cipher,
		now:      time.Now,
		cache:    make(map[string]cachedToken),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StoreInitialTokens seals and persists tokens obtained at OAuth callback.
func (m *Manager) StoreInitialTokens(ctx context.Context, userID string, tok *spotify.TokenResponse) error {
	ciphertext, err := m.cipher.Seal(tok.RefreshToken)
	if err != nil {
		return err
	}
	if err := m.store.UpsertAuthRecord(ctx, userID, ciphertext); err != nil {
		return err
	}
	m.cacheToken(userID, tok)
	return nil
}

// AccessToken returns a valid access token for the user, refreshing when the
// cached one is past the proactive-refresh age. Concurrent callers for the
// same user share a single refresh.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	c, ok := m.cache[userID]
	m.mu.Unlock()
	if ok && m.now().Before(c.expiresAt) {
		return c.token, nil
	}

	v, err, _ := m.group.Do(userID, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our cache miss and acquiring the flight.
		m.mu.Lock()
		c, ok := m.cache[userID]
		m.mu.Unlock()
		if ok && m.now().Before(c.expiresAt) {
			return c.token, nil
		}
		return m.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached access token, forcing a refresh on next use.
// Workers call this after the provider rejects a token with 401.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

// RecordSuccess zeros the failure counter after any successful provider call.
func (m *Manager) RecordSuccess(ctx context.Context, userID string) error {
	return m.store.ResetTokenFailures(ctx, userID)
}

func (m *Manager) refresh(ctx context.Context, userID string) (string, error) {
	logger := log.WithComponent("auth").With().Str("user_id", userID).Logger()

	rec, err := m.store.GetAuthRecord(ctx, userID)
	if err != nil {
		return "", err
	}
	if !rec.IsValid {
		return "", ErrReauthRequired
	}
	refreshToken, err := m.cipher.Open(rec.RefreshTokenCiphertext)
	if err != nil {
		return "", err
	}

	tok, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return "", m.handleRefreshFailure(ctx, userID, err, logger)
	}

	var rotated []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if rotated, err = m.cipher.Seal(tok.RefreshToken); err != nil {
			return "", err
		}
	}
	if err := m.store.MarkTokenRefreshed(ctx, userID, rotated, m.now()); err != nil {
		return "", err
	}
	m.cacheToken(userID, tok)
	logger.Debug().Bool("rotated", rotated != nil).Msg("access token refreshed")
	return tok.AccessToken, nil
}

func (m *Manager) handleRefreshFailure(ctx context.Context, userID string, err error, logger zerolog.Logger) error {
	if errors.Is(err, spotify.ErrInvalidGrant) {
		// The provider revoked the grant; no number of retries will help.
		if ierr := m.store.InvalidateAuth(ctx, userID); ierr != nil {
			logger.Error().Err(ierr).Msg("failed to invalidate auth record")
		}
		m.Invalidate(userID)
		logger.Warn().Msg("refresh token revoked, user must reconnect")
		return ErrReauthRequired
	}
	if !spotify.ShouldCount(err) {
		return err
	}
	n, cerr := m.store.IncrementTokenFailures(ctx, userID)
	if cerr != nil {
		logger.Error().Err(cerr).Msg("failed to count refresh failure")
		return err
	}
	if n >= maxRefreshFailures {
		if ierr := m.store.InvalidateAuth(ctx, userID); ierr != nil {
			logger.Error().Err(ierr).Msg("failed to invalidate auth record")
		}
		m.Invalidate(userID)
		logger.Warn().Int("failures", n).Msg("refresh failure threshold reached, auth invalidated")
		return ErrReauthRequired
	}
	logger.Warn().Err(err).Int("failures", n).Msg("token refresh failed")
	return err
}

func (m *Manager) cacheToken(userID string, tok *spotify.TokenResponse) {
	ttl := accessTokenLifetime
	if tok.ExpiresIn > 0 {
		ttl = time.Duration(tok.ExpiresIn) * time.Second
	}
	if ttl > proactiveRefreshAge {
		ttl = proactiveRefreshAge
	}
	m.mu.Lock()
	m.cache[userID] = cachedToken{token: tok.AccessToken, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}
