package job

import (
	"encoding/json"
	"time"
)

// Job is a failed ingestion kept for an explicit retry. Payload holds the
// library item the run was started with.
type Job struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	TenantID      string          `json:"tenant_id"`
	LibraryItemID string          `json:"library_item_id"`
	Payload       json.RawMessage `json:"payload"`
	ErrorName     string          `json:"error_name"`
	Error         string          `json:"error"`
	Retryable     bool            `json:"retryable"`
	Retries       int             `json:"retries"`
	CreatedAt     time.Time       `json:"created_at"`
}
