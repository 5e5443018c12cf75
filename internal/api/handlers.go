package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
	"github.com/fpang/photo-intake/internal/validation"
)

// --- Upload slots ---

type signRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

type signResponse struct {
	ImageID   string    `json:"imageId"`
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// POST /api/uploads/sign {filename, contentType, fileSize}
// Creates an AWAITING_UPLOAD record and returns a presigned PUT URL for it.
// The browser must upload with the Content-Type and size it declared here.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	const op = "api.sign"
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	filename, err := cleanFilename(req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	mimeType, ok := validation.NormalizeMIME(req.ContentType)
	if !ok {
		writeError(w, apperr.Validation(op, "unsupported content type %q: use image/jpeg, image/png or image/heic", req.ContentType))
		return
	}
	if req.FileSize <= 0 || req.FileSize > s.cfg.MaxUploadSize {
		writeError(w, apperr.Validation(op, "fileSize must be between 1 and %d bytes", s.cfg.MaxUploadSize))
		return
	}

	id := s.newID()
	ext, _ := validation.Extension(mimeType)
	key := "uploads/" + id + "." + ext

	slot, err := s.uploads.IssueUploadSlot(r.Context(), key, req.ContentType, req.FileSize, s.cfg.PresignExpiry)
	if err != nil {
		writeError(w, err)
		return
	}

	img := &store.Image{
		ID:           id,
		Key:          key,
		OriginalName: filename,
		MimeType:     mimeType,
		DeclaredSize: req.FileSize,
		Status:       store.StatusAwaitingUpload,
		CreatedAt:    s.now(),
	}
	if err := s.store.Create(r.Context(), img); err != nil {
		writeError(w, apperr.Classify(op, err))
		return
	}

	log.Info().
		Str("imageId", id).
		Str("key", key).
		Str("mimeType", mimeType).
		Int64("declaredSize", req.FileSize).
		Msg("Upload slot issued")

	respondJSON(w, http.StatusOK, signResponse{
		ImageID:   id,
		UploadURL: slot.URL,
		Key:       key,
		ExpiresAt: slot.ExpiresAt,
	})
}

type completeRequest struct {
	ImageID string `json:"imageId"`
}

type completeResponse struct {
	ImageID string       `json:"imageId"`
	Started bool         `json:"started"`
	Status  store.Status `json:"status"`
}

// POST /api/uploads/complete {imageId}
// Starts verification. Repeated calls are harmless: only the first one
// starts work and the rest report the current status.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateImageID(req.ImageID); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.verifier.InitiateVerification(r.Context(), req.ImageID)
	if err != nil {
		if res.Started {
			log.Error().Err(err).Str("imageId", req.ImageID).
				Msg("Verification started but the job was not enqueued; run photoctl requeue")
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, completeResponse{
		ImageID: req.ImageID,
		Started: res.Started,
		Status:  res.Status,
	})
}

// --- Image records ---

type imageResponse struct {
	*store.Image
	ViewURL string `json:"viewUrl,omitempty"`
}

// GET /api/images/{id}
// Accepted images carry a short-lived viewUrl.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateImageID(id); err != nil {
		writeError(w, err)
		return
	}

	img, err := s.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Classify("api.get", err))
		return
	}
	if img == nil {
		writeError(w, apperr.NotFound("api.get", "image %s not found", id))
		return
	}

	resp := imageResponse{Image: img}
	if img.Status == store.StatusAccepted {
		url, err := s.uploads.PresignGet(r.Context(), img.Key, s.cfg.ViewExpiry)
		if err != nil {
			log.Warn().Err(err).Str("imageId", id).Msg("Failed to presign view URL")
		} else {
			resp.ViewURL = url
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Images []*store.Image `json:"images"`
	Count  int            `json:"count"`
}

// GET /api/images?status=&limit=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list"
	var filter store.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := store.ParseStatus(v)
		if err != nil {
			writeError(w, apperr.Validation(op, "%v", err))
			return
		}
		filter.Status = st
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = limit

	images, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, apperr.Classify(op, err))
		return
	}
	if images == nil {
		images = []*store.Image{}
	}
	respondJSON(w, http.StatusOK, listResponse{Images: images, Count: len(images)})
}

// --- Health ---

const healthTimeout = 3 * time.Second

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check: store unreachable")
		checks["store"] = "unavailable"
		healthy = false
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check: redis unreachable")
			checks["redis"] = "unavailable"
			healthy = false
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":  status,
		"service": "photo-intake",
		"checks":  checks,
	})
}
