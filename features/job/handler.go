package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"patentdesk/backend/internal/middleware"
	"patentdesk/backend/internal/progress"
)

// 50 MB upload ceiling, matching what the processing service accepts.
const maxUploadBytes = 50 << 20

// PollLimiter bounds progress polling per owner.
type PollLimiter interface {
	Allow(key string) bool
}

type Handler struct {
	service *Service
	limiter PollLimiter
}

func NewHandler(s *Service, limiter PollLimiter) *Handler {
	return &Handler{service: s, limiter: limiter}
}

func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	req := SubmitRequest{
		OwnerID: ownerID(r),
		Kind:    r.PathValue("kind"),
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "malformed multipart body", http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, readErr := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			if readErr != nil {
				h.writeError(ctx, w, "VALIDATION_ERROR", "unreadable upload", http.StatusBadRequest)
				return
			}
			req.File = data
			req.FileName = hdr.Filename
		}
		req.Model = r.FormValue("model")
		req.Content = r.FormValue("content")
	} else {
		var body struct {
			Content string `json:"content"`
			Model   string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "malformed JSON body", http.StatusBadRequest)
			return
		}
		req.Content = body.Content
		req.Model = body.Model
	}

	slog.InfoContext(ctx, "submitting job", "kind", req.Kind, "owner", req.OwnerID, "correlationId", correlationID)

	j, err := h.service.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "job submission failed", "kind", req.Kind, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	resp := map[string]interface{}{
		"data": j,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	owner := ownerID(r)

	if owner == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "owner is required", http.StatusBadRequest)
		return
	}

	jobs, err := h.service.List(ctx, owner)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")
	owner := ownerID(r)

	if !h.limiter.Allow(owner) {
		h.writeError(ctx, w, "RATE_LIMITED", "too many progress requests", http.StatusTooManyRequests)
		return
	}

	snap, err := h.service.GetProgress(ctx, id, owner)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to read progress", "id", id, "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": snap,
		"meta": map[string]int64{"pollAfterMs": progress.PollInterval(snap).Milliseconds()},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")

	res, err := h.service.GetResult(ctx, id, ownerID(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
		case errors.Is(err, ErrNotReady):
			h.writeError(ctx, w, "NOT_READY", err.Error(), http.StatusConflict)
		default:
			slog.ErrorContext(ctx, "failed to read result", "id", id, "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(res.FileName, ".md") {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.FileName+`"`)
	if _, err := w.Write(res.Data); err != nil {
		slog.ErrorContext(ctx, "failed to write result body", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
