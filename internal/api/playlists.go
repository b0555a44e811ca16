// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/auralog/auralog/internal/log"
	"github.com/auralog/auralog/internal/playlist"
	"github.com/auralog/auralog/internal/store"
	"github.com/auralog/auralog/internal/token"
)

const (
	maxCoverBytes   = 256 * 1024
	maxRecentWindow = 365 * 24 * time.Hour
)

type playlistRequest struct {
	CreationMethod    string     `json:"creationMethod"`
	Name              string     `json:"name"`
	IsPublic          bool       `json:"isPublic"`
	SourcePlaylistID  *string    `json:"sourcePlaylistId"`
	ShuffleMode       *string    `json:"shuffleMode"`
	KValue            *int       `json:"kValue"`
	StartDate         *time.Time `json:"startDate"`
	EndDate           *time.Time `json:"endDate"`
	CoverImageBase64  *string    `json:"coverImageBase64"`
	ConfirmationToken string     `json:"confirmationToken"`
}

// paramFields lists which request fields a confirmation token binds for each
// creation method. Create requests must match the token on every one.
func paramFields(method store.CreationMethod) []string {
	fields := []string{"creationMethod", "name", "isPublic"}
	switch method {
	case store.MethodShuffle:
		return append(fields, "sourcePlaylistId", "shuffleMode")
	case store.MethodTopKRecent:
		return append(fields, "kValue", "startDate", "endDate")
	}
	return fields
}

func decodePlaylistRequest(r *http.Request) (*playlistRequest, map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	var req playlistRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, err
	}
	// The generic view keeps JSON types intact for token comparison.
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, nil, err
	}
	return &req, generic, nil
}

// validatePlaylistRequest checks the body and returns the estimated track
// count, or a user-facing message.
func (s *Server) validatePlaylistRequest(req *playlistRequest) (int, string) {
	method := store.CreationMethod(req.CreationMethod)
	switch method {
	case store.MethodShuffle, store.MethodTop50Short, store.MethodTop50Medium,
		store.MethodTop50Long, store.MethodTop50AllTime, store.MethodTopKRecent:
	default:
		return 0, "unknown creationMethod"
	}
	if req.Name == "" || len(req.Name) > 100 {
		return 0, "name must be 1-100 characters"
	}

	estimate := 50
	switch method {
	case store.MethodShuffle:
		if req.SourcePlaylistID == nil || *req.SourcePlaylistID == "" {
			return 0, "sourcePlaylistId is required for SHUFFLE"
		}
		if req.ShuffleMode != nil && *req.ShuffleMode != "standard" && *req.ShuffleMode != "smart" {
			return 0, "shuffleMode must be standard or smart"
		}
		estimate = 0
	case store.MethodTopKRecent:
		if req.KValue == nil || *req.KValue < 25 || *req.KValue > 10000 {
			return 0, "kValue must be between 25 and 10000"
		}
		if req.StartDate != nil && req.EndDate != nil {
			if !req.EndDate.After(*req.StartDate) {
				return 0, "endDate must be after startDate"
			}
			if req.EndDate.Sub(*req.StartDate) > maxRecentWindow {
				return 0, "date window must not exceed 365 days"
			}
		}
		estimate = *req.KValue
	}

	if req.CoverImageBase64 != nil {
		if msg := validateCoverImage(*req.CoverImageBase64); msg != "" {
			return 0, msg
		}
	}
	return estimate, ""
}

// validateCoverImage checks size and magic bytes; providers only accept
// PNG or JPEG up to 256 KiB raw.
func validateCoverImage(encoded string) string {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "coverImageBase64 is not valid base64"
	}
	if len(raw) > maxCoverBytes {
		return "cover image exceeds 256 KiB"
	}
	switch {
	case bytes.HasPrefix(raw, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
	case bytes.HasPrefix(raw, []byte{0xff, 0xd8, 0xff}):
	default:
		return "cover image must be PNG or JPEG"
	}
	return ""
}

func tokenParams(generic map[string]any, fields []string) map[string]any {
	params := make(map[string]any, len(fields))
	for _, f := range fields {
		params[f] = generic[f]
	}
	return params
}

func (s *Server) handlePlaylistValidate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	req, generic, err := decodePlaylistRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	estimate, msg := s.validatePlaylistRequest(req)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	fields := paramFields(store.CreationMethod(req.CreationMethod))
	tok, err := s.minter.Mint(uid, tokenParams(generic, fields))
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("confirmation token mint failed")
		writeError(w, http.StatusInternalServerError, "validation unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmationToken": tok,
		"expiresInSeconds":  int(token.TTL.Seconds()),
		"estimatedTracks":   estimate,
	})
}

func (s *Server) handlePlaylistCreate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	logger := log.WithComponent("api")

	req, generic, err := decodePlaylistRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	estimate, msg := s.validatePlaylistRequest(req)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.ConfirmationToken == "" {
		writeError(w, http.StatusBadRequest, "confirmationToken is required")
		return
	}

	bound, err := s.minter.Verify(req.ConfirmationToken, uid)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := paramFields(store.CreationMethod(req.CreationMethod))
	mismatches, err := token.ParamMismatches(bound, generic, fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, "confirmation token is unreadable")
		return
	}
	if len(mismatches) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "request differs from the confirmed parameters",
			"paramMismatch": mismatches,
		})
		return
	}

	key := token.IdempotencyKey(req.ConfirmationToken)
	if existing, err := s.store.GetPlaylistJobByIdempotencyKey(r.Context(), key); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"jobId":      existing.ID,
			"status":     existing.Status,
			"idempotent": true,
		})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Error().Err(err).Msg("idempotency lookup failed")
		writeError(w, http.StatusInternalServerError, "playlist creation unavailable")
		return
	}

	admitted, err := s.slots.TryAcquire(r.Context(), uid)
	if err != nil {
		logger.Error().Err(err).Str("user_id", uid).Msg("slot acquire failed")
		writeError(w, http.StatusServiceUnavailable, "playlist creation unavailable")
		return
	}
	if !admitted {
		writeError(w, http.StatusTooManyRequests, "too many playlist jobs, try again later")
		return
	}

	job := &store.PlaylistJob{
		ID:               uuid.NewString(),
		UserID:           uid,
		IdempotencyKey:   key,
		CreationMethod:   store.CreationMethod(req.CreationMethod),
		Name:             req.Name,
		IsPublic:         req.IsPublic,
		SourcePlaylistID: req.SourcePlaylistID,
		ShuffleMode:      req.ShuffleMode,
		KValue:           req.KValue,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		CoverImageBase64: req.CoverImageBase64,
		Status:           store.PlaylistPending,
		EstimatedTracks:  estimate,
	}
	if err := s.store.CreatePlaylistJob(r.Context(), job); err != nil {
		s.slots.Release(r.Context(), uid)
		logger.Error().Err(err).Msg("playlist job insert failed")
		writeError(w, http.StatusInternalServerError, "playlist creation unavailable")
		return
	}
	if _, err := s.playQ.Enqueue(r.Context(), job.ID, playlist.BuildJob{JobID: job.ID, UserID: uid}, 0, 0); err != nil {
		s.slots.Release(r.Context(), uid)
		logger.Error().Err(err).Str("job_id", job.ID).Msg("playlist job enqueue failed")
		writeError(w, http.StatusInternalServerError, "playlist creation unavailable")
		return
	}

	logger.Info().Str("job_id", job.ID).Str("user_id", uid).
		Str("method", req.CreationMethod).Msg("playlist job accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (s *Server) handlePlaylistJobStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	job, err := s.store.GetPlaylistJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if job.UserID != uid {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":              job.ID,
		"status":             job.Status,
		"creationMethod":     job.CreationMethod,
		"totalTracks":        job.TotalTracks,
		"addedTracks":        job.AddedTracks,
		"estimatedTracks":    job.EstimatedTracks,
		"spotifyPlaylistId":  job.SpotifyPlaylistID,
		"spotifyPlaylistUrl": job.SpotifyPlaylistURL,
		"errorMessage":       job.ErrorMessage,
		"retryCount":         job.RetryCount,
		"rateLimitDelays":    job.RateLimitDelays,
		"createdAt":          job.CreatedAt,
		"completedAt":        job.CompletedAt,
	})
}
