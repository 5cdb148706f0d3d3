package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"lumina/backend/internal/middleware"
)

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type Dispatcher interface {
	Active() int
}

type SubscriberCounter interface {
	Subscribers() int
}

type Handler struct {
	jobRepo     JobRepo
	dispatcher  Dispatcher
	subscribers SubscriberCounter
}

func NewHandler(j JobRepo, d Dispatcher, s SubscriberCounter) *Handler {
	return &Handler{jobRepo: j, dispatcher: d, subscribers: s}
}

type StatsResponse struct {
	ActiveIngestions int `json:"active_ingestions"`
	FailedJobs       int `json:"failed_jobs"`
	Subscribers      int `json:"subscribers"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slog.InfoContext(ctx, "getting stats")

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		ActiveIngestions: h.dispatcher.Active(),
		FailedJobs:       jCount,
		Subscribers:      h.subscribers.Subscribers(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
