package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"lumina/backend/internal/worker"
)

type Starter interface {
	Start(ctx context.Context, tenantID string, item worker.Item) (string, error)
}

type Service struct {
	repo    Repository
	starter Starter
}

func NewService(repo Repository, starter Starter) *Service {
	return &Service{repo: repo, starter: starter}
}

// RecordFailure stores a failed run. It is the dispatcher's failure sink.
func (s *Service) RecordFailure(ctx context.Context, f worker.Failure) error {
	payload, err := json.Marshal(f.Item)
	if err != nil {
		return fmt.Errorf("marshal library item: %w", err)
	}
	j := &Job{
		JobID:         f.JobID,
		TenantID:      f.TenantID,
		LibraryItemID: f.Item.ID,
		Payload:       payload,
		ErrorName:     f.Name,
		Error:         f.Message,
		Retryable:     f.Retryable,
	}
	if err := s.repo.Save(ctx, j); err != nil {
		return err
	}
	slog.InfoContext(ctx, "saved failed job for retry", "id", j.ID, "retries", j.Retries)
	return nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]Job, error) {
	return s.repo.List(ctx, tenantID)
}

// Retry starts a fresh ingestion of the stored item and drops the record.
// A new failure is recorded again by the dispatcher; if it lands before the
// delete it replaces the row and the delete leaves it alone.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	// 1. Get Job
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var item worker.Item
	if err := json.Unmarshal(j.Payload, &item); err != nil {
		return "", fmt.Errorf("decode stored library item: %w", err)
	}

	// 2. Dispatch
	jobID, err := s.starter.Start(ctx, j.TenantID, item)
	if err != nil {
		return jobID, err
	}

	// 3. Delete Job
	return jobID, s.repo.Delete(ctx, id, j.JobID)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

var _ worker.FailureSink = (*Service)(nil)
