package worker

import (
	"context"

	"lumina/backend/internal/embedding"
	"lumina/backend/internal/vector"
)

// Item is the library item an ingestion run reads from.
type Item struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	UploadLink  string `json:"uploadLink"`
	ContentType string `json:"contentType,omitempty"`
}

type Extractor interface {
	Supports(contentType string) bool
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, link string) ([]byte, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, progress embedding.ProgressFunc) ([][]float32, error)
}

type IndexReadiness interface {
	EnsureIndexReady(ctx context.Context, tenantID string) (string, error)
}

type VectorWriter interface {
	Upsert(ctx context.Context, name string, records []vector.Record) error
	DeleteItem(ctx context.Context, name, tenantID, libraryItemID string) error
}

// Failure describes a run that ended in job_failed.
type Failure struct {
	JobID     string
	TenantID  string
	Item      Item
	Name      string
	Message   string
	Retryable bool
}

// FailureSink receives every failed run after its terminal event is out.
type FailureSink interface {
	RecordFailure(ctx context.Context, f Failure) error
}
