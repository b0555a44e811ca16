// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralog/auralog/internal/spotify"
	"github.com/auralog/auralog/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*store.AuthRecord
	failures map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*store.AuthRecord),
		failures: make(map[string]int),
	}
}

func (f *fakeStore) GetAuthRecord(_ context.Context, userID string) (*store.AuthRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) UpsertAuthRecord(_ context.Context, userID string, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[userID] = &store.AuthRecord{
		UserID:                 userID,
		RefreshTokenCiphertext: ciphertext,
		IsValid:                true,
	}
	return nil
}

func (f *fakeStore) MarkTokenRefreshed(_ context.Context, userID string, rotated []byte, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[userID]
	if rotated != nil {
		r.RefreshTokenCiphertext = rotated
	}
	r.LastRefreshAt = at
	r.IsValid = true
	return nil
}

func (f *fakeStore) IncrementTokenFailures(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[userID]++
	return f.failures[userID], nil
}

func (f *fakeStore) InvalidateAuth(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[userID]; ok {
		r.IsValid = false
	}
	return nil
}

func (f *fakeStore) ResetTokenFailures(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[userID] = 0
	return nil
}

type fakeRefresher struct {
	calls atomic.Int64
	fn    func(refreshToken string) (*spotify.TokenResponse, error)
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*spotify.TokenResponse, error) {
	f.calls.Add(1)
	return f.fn(refreshToken)
}

func newManager(t *testing.T, s Store, r Refresher, opts ...Option) *Manager {
	t.Helper()
	cipher, err := NewCipher("test-secret")
	require.NoError(t, err)
	return NewManager(s, r, cipher, opts...)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)

	sealed, err := c.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "refresh-token-value")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plain)

	_, err = c.Open(sealed[:4])
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestAccessTokenServedFromCache(t *testing.T) {
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		return &spotify.TokenResponse{AccessToken: "at-1", ExpiresIn: 3600}, nil
	}}
	m := newManager(t, s, r)
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 3600}))

	tok, err := m.AccessToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "at-0", tok)
	assert.Equal(t, int64(0), r.calls.Load(), "cached token must not trigger a refresh")
}

func TestAccessTokenProactiveRefresh(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	r := &fakeRefresher{fn: func(rt string) (*spotify.TokenResponse, error) {
		assert.Equal(t, "rt-0", rt)
		return &spotify.TokenResponse{AccessToken: "at-1", ExpiresIn: 3600}, nil
	}}
	m := newManager(t, s, r, WithClock(func() time.Time { return now }))
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 3600}))

	// 51 minutes later the cached token is past the proactive threshold.
	now = now.Add(51 * time.Minute)
	tok, err := m.AccessToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, int64(1), r.calls.Load())
}

func TestRefreshRotatesStoredToken(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		return &spotify.TokenResponse{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 3600}, nil
	}}
	m := newManager(t, s, r, WithClock(func() time.Time { return now }))
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 3600}))

	now = now.Add(proactiveRefreshAge + time.Minute)
	_, err := m.AccessToken(context.Background(), "u1")
	require.NoError(t, err)

	rec, err := s.GetAuthRecord(context.Background(), "u1")
	require.NoError(t, err)
	plain, err := m.cipher.Open(rec.RefreshTokenCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", plain, "rotated refresh token must be persisted")
}

func TestInvalidGrantRevokesImmediately(t *testing.T) {
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		return nil, &spotify.Error{Sentinel: spotify.ErrInvalidGrant, Operation: "refresh"}
	}}
	m := newManager(t, s, r)
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 1}))

	m.Invalidate("u1")
	_, err := m.AccessToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	rec, err := s.GetAuthRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsValid)

	// Subsequent calls short-circuit without hitting the provider again.
	calls := r.calls.Load()
	_, err = m.AccessToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, calls, r.calls.Load())
}

func TestThirdCountedFailureInvalidates(t *testing.T) {
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		return nil, &spotify.Error{Sentinel: spotify.ErrProviderDown, Operation: "refresh", Status: 503}
	}}
	m := newManager(t, s, r)
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 1}))

	for i := 0; i < 2; i++ {
		m.Invalidate("u1")
		_, err := m.AccessToken(context.Background(), "u1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrReauthRequired)
	}

	m.Invalidate("u1")
	_, err := m.AccessToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	rec, err := s.GetAuthRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, rec.IsValid)
}

func TestRateLimitErrorNotCounted(t *testing.T) {
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		return nil, &spotify.Error{Sentinel: spotify.ErrRateLimited, Operation: "refresh", Status: 429}
	}}
	m := newManager(t, s, r)
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 1}))

	for i := 0; i < 5; i++ {
		m.Invalidate("u1")
		_, err := m.AccessToken(context.Background(), "u1")
		require.ErrorIs(t, err, spotify.ErrRateLimited)
	}
	rec, err := s.GetAuthRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsValid, "429s must never invalidate auth")
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	r := &fakeRefresher{fn: func(string) (*spotify.TokenResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return &spotify.TokenResponse{AccessToken: "at-1", ExpiresIn: 3600}, nil
	}}
	m := newManager(t, s, r, WithClock(func() time.Time { return now }))
	require.NoError(t, m.StoreInitialTokens(context.Background(), "u1",
		&spotify.TokenResponse{AccessToken: "at-0", RefreshToken: "rt-0", ExpiresIn: 3600}))
	now = now.Add(proactiveRefreshAge + time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background(), "u1")
			assert.NoError(t, err)
			assert.Equal(t, "at-1", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), r.calls.Load(), "concurrent callers must coalesce into one refresh")
}
