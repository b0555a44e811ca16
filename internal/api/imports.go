// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/auralog/auralog/internal/ingest"
	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/store"
)

// maxImportBytes bounds one upload; larger exports go up in chunks.
const maxImportBytes = 32 << 20

func (s *Server) handleImportUpload(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	logger := log.WithComponent("api")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(body) > maxImportBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "import exceeds 32 MiB, split it into chunks")
		return
	}

	var records []ingest.ImportRecord
	if err := json.Unmarshal(body, &records); err != nil {
		writeError(w, http.StatusBadRequest, "invalid import payload")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "import contains no plays")
		return
	}
	for _, rec := range records {
		if rec.Track.ID == "" || rec.PlayedAt.IsZero() {
			writeError(w, http.StatusBadRequest, "import records need a track id and played_at")
			return
		}
	}

	id := uuid.NewString()
	if err := s.store.CreateImportJob(r.Context(), id, uid); err != nil {
		logger.Error().Err(err).Msg("import job insert failed")
		writeError(w, http.StatusInternalServerError, "import unavailable")
		return
	}
	payload := ingest.ImportJob{JobID: id, UserID: uid, Records: records}
	if _, err := s.importQ.Enqueue(r.Context(), id, payload, 0, 0); err != nil {
		logger.Error().Err(err).Str("import_job_id", id).Msg("import enqueue failed")
		writeError(w, http.StatusInternalServerError, "import unavailable")
		return
	}

	logger.Info().Str("import_job_id", id).Str("user_id", uid).
		Int("records", len(records)).Msg("import accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"importJobId": id,
		"status":      store.ImportPending,
		"totalEvents": len(records),
	})
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	job, err := s.store.GetImportJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "import not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "import lookup failed")
		return
	}
	if job.UserID != uid {
		writeError(w, http.StatusNotFound, "import not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"importJobId":  job.ID,
		"status":       job.Status,
		"totalEvents":  job.TotalEvents,
		"addedEvents":  job.AddedEvents,
		"errorMessage": job.ErrorMessage,
	})
}
