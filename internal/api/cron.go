// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/auralog/auralog/internal/log"
)

// The cron endpoints are triggered by an external wall-clock source; each is
// a thin shim over the scheduler.

func (s *Server) handleSeedSync(w http.ResponseWriter, r *http.Request) {
	n, err := s.cron.SeedSync(r.Context())
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("seed-sync failed")
		writeError(w, http.StatusInternalServerError, "seed-sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": n})
}

func (s *Server) handleSeedTopStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.cron.SeedTopStats(r.Context())
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("seed-top-stats failed")
		writeError(w, http.StatusInternalServerError, "seed-top-stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": n})
}

func (s *Server) handleManagePartitions(w http.ResponseWriter, r *http.Request) {
	if err := s.cron.ManagePartitions(r.Context()); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("manage-partitions failed")
		writeError(w, http.StatusInternalServerError, "manage-partitions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCleanupStaleImports(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cron.CleanupStaleImports(r.Context())
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("cleanup-stale-imports failed")
		writeError(w, http.StatusInternalServerError, "cleanup-stale-imports failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": ids})
}

func (s *Server) handleReapStalledPlaylists(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cron.ReapStalledPlaylists(r.Context())
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("reap-stalled-playlists failed")
		writeError(w, http.StatusInternalServerError, "reap-stalled-playlists failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": ids})
}
