package library

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/middleware"
	"lumina/backend/internal/worker"
)

type Starter interface {
	Start(ctx context.Context, tenantID string, item worker.Item) (string, error)
}

// Handler is called once a blob upload has finished. It schedules the
// ingestion and answers before any of it runs.
type Handler struct {
	starter Starter
}

func NewHandler(s Starter) *Handler {
	return &Handler{starter: s}
}

func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenantID")
	itemID := r.PathValue("itemID")
	ctx = middleware.WithTenantID(ctx, tenantID)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Title       string `json:"title"`
		UploadLink  string `json:"uploadLink"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.UploadLink) == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "uploadLink is required", http.StatusBadRequest)
		return
	}

	item := worker.Item{
		ID:          itemID,
		Title:       req.Title,
		UploadLink:  req.UploadLink,
		ContentType: req.ContentType,
	}
	jobID, err := h.starter.Start(ctx, tenantID, item)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrAlreadyRunning):
			h.writeJSON(ctx, w, http.StatusConflict, map[string]interface{}{
				"error":         map[string]string{"code": "CONFLICT", "message": err.Error()},
				"data":          map[string]string{"jobId": jobID},
				"correlationId": middleware.GetCorrelationID(ctx),
			})
		case apperr.Is(err, apperr.KindValidation):
			h.writeError(ctx, w, "VALIDATION_ERROR", apperr.Message(err), http.StatusBadRequest)
		default:
			slog.ErrorContext(ctx, "failed to start ingestion", "error", err, "library_item_id", itemID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	slog.InfoContext(ctx, "ingestion accepted", "library_item_id", itemID, "job_id", jobID)
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": map[string]string{"jobId": jobID}})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
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
