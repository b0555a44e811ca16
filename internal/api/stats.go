// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/playlist"
	"github.com/auralog/auralog/internal/store"
)

const topCacheTTL = 5 * time.Minute

// rangeTerms maps the public range parameter onto storage terms.
var rangeTerms = map[string]store.Term{
	"4weeks":   store.TermShort,
	"6months":  store.TermMedium,
	"lifetime": store.TermLong,
}

type topEntryResponse struct {
	Rank     int     `json:"rank"`
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ImageURL *string `json:"imageUrl"`
	URI      string  `json:"uri"`
}

type topListResponse struct {
	Status string             `json:"status"`
	Data   []topEntryResponse `json:"data"`
}

func (s *Server) handleTopTracks(w http.ResponseWriter, r *http.Request) {
	s.serveTopList(w, r, store.TopTracks)
}

func (s *Server) handleTopArtists(w http.ResponseWriter, r *http.Request) {
	s.serveTopList(w, r, store.TopArtists)
}

// handleTopTracksExport serves the current ranked list as an extended-M3U
// file. Exports always read the database; they are rare enough that the
// read-through cache is not worth the staleness.
func (s *Server) handleTopTracksExport(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	term, ok := rangeTerms[r.URL.Query().Get("range")]
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of 4weeks, 6months, lifetime")
		return
	}
	entries, err := s.store.TopEntriesDetailed(r.Context(), uid, term, store.TopTracks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no top tracks yet")
		return
	}

	m3u := make([]playlist.M3UEntry, 0, len(entries))
	for _, e := range entries {
		m3u = append(m3u, playlist.M3UEntry{Title: e.Name, Location: e.URI})
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="top-tracks.m3u"`)
	if err := playlist.WriteM3U(w, m3u); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("m3u export failed")
	}
}

func (s *Server) serveTopList(w http.ResponseWriter, r *http.Request, kind store.TopEntryKind) {
	logger := log.WithComponent("api")
	uid := userID(r.Context())
	term, ok := rangeTerms[r.URL.Query().Get("range")]
	if !ok {
		writeError(w, http.StatusBadRequest, "range must be one of 4weeks, 6months, lifetime")
		return
	}

	s.top.TriggerLazyRefreshIfStale(r.Context(), uid)

	cacheKey := fmt.Sprintf("cache:top:%s:%s:%s", uid, kind, term)
	if cached, err := s.rdb.Get(r.Context(), cacheKey).Bytes(); err == nil {
		var body topListResponse
		if json.Unmarshal(cached, &body) == nil {
			writeJSON(w, http.StatusOK, body)
			return
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.Warn().Err(err).Msg("top cache read failed")
	}

	entries, err := s.store.TopEntriesDetailed(r.Context(), uid, term, kind)
	if err != nil {
		logger.Error().Err(err).Str("user_id", uid).Msg("top entries read failed")
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	data := make([]topEntryResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, topEntryResponse{
			Rank:     e.Rank,
			ID:       e.ProviderID,
			Name:     e.Name,
			ImageURL: e.ImageURL,
			URI:      e.URI,
		})
	}

	if len(data) == 0 {
		user, err := s.store.GetUser(r.Context(), uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		// An unhydrated account is still filling; empty is not a cacheable answer yet.
		if user.TopStatsRefreshedAt == nil {
			writeJSON(w, http.StatusAccepted, topListResponse{Status: "processing", Data: data})
			return
		}
	}

	body := topListResponse{Status: "ok", Data: data}
	if raw, err := json.Marshal(body); err == nil {
		if err := s.rdb.Set(r.Context(), cacheKey, raw, topCacheTTL).Err(); err != nil {
			logger.Warn().Err(err).Msg("top cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, body)
}
