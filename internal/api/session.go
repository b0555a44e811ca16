// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/auralog/auralog/internal/log"
)

// sessionCookie carries the user id across requests. Every authenticated
// request re-issues it, giving a sliding 30-day window.
const sessionCookie = "auralog_session"

type ctxKey int

const userIDKey ctxKey = 0

// userID returns the session user for a request that passed requireSession.
func userID(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

func (s *Server) sessionSign(uid string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SessionSecret))
	fmt.Fprintf(mac, "%s.%d", uid, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) sessionValue(uid string) string {
	expires := s.now().Add(s.cfg.SessionTTL).Unix()
	return fmt.Sprintf("%s.%d.%s", uid, expires, s.sessionSign(uid, expires))
}

// parseSession validates a cookie value and returns the user id.
func (s *Server) parseSession(value string) (string, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return "", false
	}
	uid := parts[0]
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || uid == "" {
		return "", false
	}
	want := s.sessionSign(uid, expires)
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return "", false
	}
	if s.now().Unix() >= expires {
		return "", false
	}
	return uid, true
}

func (s *Server) setSession(w http.ResponseWriter, uid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.sessionValue(uid),
		Path:     "/",
		Expires:  s.now().Add(s.cfg.SessionTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireSession authenticates the request and refreshes the cookie's expiry.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		uid, ok := s.parseSession(c.Value)
		if !ok {
			clearSession(w)
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		s.setSession(w, uid)
		ctx := log.ContextWithUserID(context.WithValue(r.Context(), userIDKey, uid), uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCronSecret guards the scheduler trigger endpoints.
func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("X-Cron-Secret"))
		if s.cfg.CronSecret == "" || !hmac.Equal(got, []byte(s.cfg.CronSecret)) {
			writeError(w, http.StatusUnauthorized, "invalid cron secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}
