// SPDX-License-Identifier: MIT

// Package token mints and verifies the short-lived confirmation tokens that
// gate playlist creation. A token binds a user to the exact creation
// parameters they previewed; the creation handler rejects any drift.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// TTL is the confirmation window between validate and create.
const TTL = 5 * time.Minute

var (
	ErrMalformed = errors.New("token: malformed")
	ErrSignature = errors.New("token: signature mismatch")
	ErrExpired   = errors.New("token: expired")
	ErrWrongUser = errors.New("token: issued for a different user")
)

type payload struct {
	UserID   string          `json:"userId"`
	Params   json.RawMessage `json:"params"`
	IssuedAt int64           `json:"issuedAt"`
}

type envelope struct {
	payload
	Signature string `json:"signature"`
}

// Minter signs and verifies confirmation tokens with a shared secret.
type Minter struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Minter.
type Option func(*Minter)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Minter) { m.now = now }
}

func New(secret string, opts ...Option) *Minter {
	m := &Minter{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Minter) sign(p payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Mint issues a token binding userID to the given creation parameters.
func (m *Minter) Mint(userID string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("token: marshal params: %w", err)
	}
	p := payload{UserID: userID, Params: raw, IssuedAt: m.now().UnixMilli()}
	sig, err := m.sign(p)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	env, err := json.Marshal(envelope{payload: p, Signature: sig})
	if err != nil {
		return "", fmt.Errorf("token: marshal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(env), nil
}

// Verify checks signature, expiry and user binding, returning the bound
// parameters on success.
func (m *Minter) Verify(tok, userID string) (json.RawMessage, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, ErrMalformed
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	want, err := m.sign(env.payload)
	if err != nil {
		return nil, ErrMalformed
	}
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return nil, ErrSignature
	}
	issued := time.UnixMilli(env.IssuedAt)
	if m.now().Sub(issued) > TTL || issued.After(m.now().Add(time.Minute)) {
		return nil, ErrExpired
	}
	if env.UserID != userID {
		return nil, ErrWrongUser
	}
	return env.Params, nil
}

// IdempotencyKey derives the playlist-job idempotency key from the raw
// token: the first 32 hex characters of its SHA-256.
func IdempotencyKey(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])[:32]
}

// ParamMismatches compares the token-bound params with the request payload
// over the given fields and returns the names that differ, sorted. An empty
// result means the request matches what the user confirmed.
func ParamMismatches(bound json.RawMessage, request map[string]any, fields []string) ([]string, error) {
	var tokenParams map[string]any
	if err := json.Unmarshal(bound, &tokenParams); err != nil {
		return nil, fmt.Errorf("token: decode bound params: %w", err)
	}
	var mismatches []string
	for _, f := range fields {
		if !reflect.DeepEqual(tokenParams[f], request[f]) {
			mismatches = append(mismatches, f)
		}
	}
	sort.Strings(mismatches)
	return mismatches, nil
}
