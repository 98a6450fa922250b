package record

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"patentdesk/backend/internal/middleware"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// ListByJob serves the structured records extracted by a job. Ownership is
// enforced by the query itself: another owner's job id simply yields an empty
// list, indistinguishable from a job that produced no records.
func (h *Handler) ListByJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	jobID := r.PathValue("id")
	owner := r.Header.Get("X-Owner-ID")

	if owner == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "owner is required", http.StatusBadRequest)
		return
	}

	// Job ids are UUIDs; anything else gets the same empty answer as an
	// unknown job rather than a parse error out of the uuid column.
	var records []Record
	if _, err := uuid.Parse(jobID); err == nil {
		records, err = h.repo.ListByJob(ctx, jobID, owner)
		if err != nil {
			slog.ErrorContext(ctx, "failed to list records", "job_id", jobID, "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if records == nil {
		records = []Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": records,
		"meta": map[string]int{"count": len(records)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
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
