package job

import (
	"context"
	"database/sql"
	"encoding/json"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, tenantID string) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Delete removes the record only while it still holds jobID, so a newer
	// failure saved onto the same row survives.
	Delete(ctx context.Context, id, jobID string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, job_id, tenant_id, library_item_id, payload, error_name, error, retryable, retries, created_at`

// Save keeps one row per library item. A repeated failure replaces the
// previous one and bumps retries.
func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO failed_jobs (job_id, tenant_id, library_item_id, payload, error_name, error, retryable)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, library_item_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			payload = EXCLUDED.payload,
			error_name = EXCLUDED.error_name,
			error = EXCLUDED.error,
			retryable = EXCLUDED.retryable,
			retries = failed_jobs.retries + 1,
			created_at = NOW()
		RETURNING id, created_at, retries`
	return r.db.QueryRowContext(ctx, query,
		job.JobID, job.TenantID, job.LibraryItemID, []byte(job.Payload), job.ErrorName, job.Error, job.Retryable,
	).Scan(&job.ID, &job.CreatedAt, &job.Retries)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j       Job
		payload []byte
	)
	if err := s.Scan(&j.ID, &j.JobID, &j.TenantID, &j.LibraryItemID, &payload, &j.ErrorName, &j.Error, &j.Retryable, &j.Retries, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

// List returns failures newest first. An empty tenantID lists every tenant.
func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM failed_jobs WHERE ($1::text = '' OR tenant_id = $1) ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM failed_jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) Delete(ctx context.Context, id, jobID string) error {
	query := `DELETE FROM failed_jobs WHERE id = $1 AND job_id = $2`
	_, err := r.db.ExecContext(ctx, query, id, jobID)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_jobs`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
