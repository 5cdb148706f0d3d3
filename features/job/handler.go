package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"lumina/backend/internal/middleware"
	"lumina/backend/internal/worker"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")

	slog.InfoContext(ctx, "listing failed jobs", "tenant", tenantID)

	jobs, err := h.service.List(ctx, tenantID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
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

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "retrying job", "id", id)

	jobID, err := h.service.Retry(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retry job", "id", id, "error", err)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
		case errors.Is(err, worker.ErrAlreadyRunning):
			h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"jobId": jobID}}); err != nil {
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
