package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"lumina/backend/internal/middleware"
)

// TaskMessage asks for a library item to be ingested. Services that cannot
// call the HTTP endpoint publish it on the ingest task topic.
type TaskMessage struct {
	TenantID      string `json:"tenantId"`
	Item          Item   `json:"item"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type Starter interface {
	Start(ctx context.Context, tenantID string, item Item) (string, error)
}

type TaskConsumer struct {
	starter Starter
}

func NewTaskConsumer(s Starter) *TaskConsumer {
	return &TaskConsumer{starter: s}
}

// HandleMessage hands the task to the dispatcher. Every outcome is final:
// bad payloads and duplicates are acknowledged, and failures of the run
// itself surface as job_failed events instead of requeues.
func (h *TaskConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task TaskMessage
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	ctx = middleware.WithTenantID(ctx, task.TenantID)

	jobID, err := h.starter.Start(ctx, task.TenantID, task.Item)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		slog.InfoContext(ctx, "ingestion already running, dropping task", "library_item_id", task.Item.ID, "job_id", jobID)
	case err != nil:
		slog.ErrorContext(ctx, "rejected ingestion task", "library_item_id", task.Item.ID, "error", err)
	default:
		slog.InfoContext(ctx, "ingestion task accepted", "library_item_id", task.Item.ID, "job_id", jobID)
	}
	return nil
}
