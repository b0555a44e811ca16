// SPDX-License-Identifier: MIT

package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"

	"github.com/auralog/auralog/internal/log"
)

const stateCookie = "auralog_oauth_state"

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	state := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthorizeURL(state, s.cfg.OAuthScopes), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || c.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if msg := r.URL.Query().Get("error"); msg != "" {
		writeError(w, http.StatusBadRequest, "authorization denied")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		logger.Error().Err(err).Msg("oauth code exchange failed")
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	profile, err := s.oauth.Me(r.Context(), tok.AccessToken)
	if err != nil {
		logger.Error().Err(err).Msg("profile fetch failed")
		writeError(w, http.StatusBadGateway, "profile fetch failed")
		return
	}

	var imageURL, country *string
	if len(profile.Images) > 0 && profile.Images[0].URL != "" {
		imageURL = &profile.Images[0].URL
	}
	if profile.Country != "" {
		country = &profile.Country
	}
	user, err := s.store.UpsertUserAtLogin(r.Context(), uuid.NewString(), profile.ID, profile.DisplayName, imageURL, country)
	if err != nil {
		logger.Error().Err(err).Msg("user upsert failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if err := s.tokens.StoreInitialTokens(r.Context(), user.ID, tok); err != nil {
		logger.Error().Err(err).Str("user_id", user.ID).Msg("token store failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.setSession(w, user.ID)
	logger.Info().Str("user_id", user.ID).Msg("user logged in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	clearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
