package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/vector"
)

const (
	globalTable = "library_chunks"

	// MaxVectorDims is the widest vector column HNSW can index. Wider
	// embeddings are stored as halfvec, which HNSW indexes up to
	// MaxHalfVecDims.
	MaxVectorDims  = 2000
	MaxHalfVecDims = 4000
)

// Index keeps each vector index in its own Postgres table with an HNSW index.
type Index struct {
	db    *sql.DB
	scope vector.Scope
}

func NewIndex(db *sql.DB, scope vector.Scope) *Index {
	return &Index{db: db, scope: scope}
}

// EnsureExtension installs pgvector. It runs once at boot, only when this
// backend is selected, so plain Postgres keeps working for the rest.
func (s *Index) EnsureExtension(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return apperr.Fatal("create extension vector", err)
	}
	return nil
}

func (s *Index) IndexName(tenantID string) string {
	if s.scope == vector.ScopeGlobal {
		return globalTable
	}
	return globalTable + "_" + vector.SafeTenant(tenantID, 40)
}

func (s *Index) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, pq.QuoteIdentifier(name)).Scan(&ok)
	if err != nil {
		return false, apperr.Transient("table exists "+name, err)
	}
	return ok, nil
}

// columnType returns the embedding column type for dim.
func columnType(dim int) string {
	if dim > MaxVectorDims {
		return "halfvec"
	}
	return "vector"
}

func opclass(typ string, m vector.Metric) string {
	switch m {
	case vector.MetricL2:
		return typ + "_l2_ops"
	case vector.MetricDot:
		return typ + "_ip_ops"
	default:
		return typ + "_cosine_ops"
	}
}

func (s *Index) Create(ctx context.Context, spec vector.Spec) error {
	if spec.Dimension <= 0 {
		return apperr.Validationf("create table "+spec.Name, "dimension must be positive, got %d", spec.Dimension)
	}
	if spec.Dimension > MaxHalfVecDims {
		return apperr.Validationf("create table "+spec.Name, "dimension %d exceeds the HNSW limit of %d", spec.Dimension, MaxHalfVecDims)
	}
	table := pq.QuoteIdentifier(spec.Name)
	typ := columnType(spec.Dimension)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient("create table "+spec.Name, err)
	}
	defer tx.Rollback()

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE %s (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			library_item_id TEXT NOT NULL,
			sequence_index INT NOT NULL,
			content TEXT NOT NULL,
			embedding %s(%d) NOT NULL
		)`, table, typ, spec.Dimension),
		fmt.Sprintf(`CREATE INDEX %s ON %s (tenant_id, library_item_id)`, pq.QuoteIdentifier(spec.Name+"_item_idx"), table),
		fmt.Sprintf(`CREATE INDEX %s ON %s USING hnsw (embedding %s)`, pq.QuoteIdentifier(spec.Name+"_hnsw_idx"), table, opclass(typ, spec.Metric)),
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify("create table "+spec.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("create table "+spec.Name, err)
	}
	return nil
}

// classify maps duplicate_table, and the unique violation on pg_type that a
// concurrent CREATE TABLE can raise, onto a conflict.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "42P07" || pqErr.Code == "23505") {
		return apperr.Conflict(op, err)
	}
	return apperr.Transient(op, err)
}

// Upsert writes every record in one transaction.
func (s *Index) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient("upsert "+name, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, library_item_id, sequence_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`, pq.QuoteIdentifier(name))
	for _, r := range records {
		var emb any = pgv.NewVector(r.Vector)
		if len(r.Vector) > MaxVectorDims {
			emb = pgv.NewHalfVector(r.Vector)
		}
		if _, err := tx.ExecContext(ctx, query, r.ID, r.TenantID, r.LibraryItemID, r.SequenceIndex, r.Text, emb); err != nil {
			return apperr.Transient("upsert "+name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient("upsert "+name, err)
	}
	return nil
}

func (s *Index) DeleteItem(ctx context.Context, name, tenantID, libraryItemID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND library_item_id = $2`, pq.QuoteIdentifier(name))
	if _, err := s.db.ExecContext(ctx, query, tenantID, libraryItemID); err != nil {
		return apperr.Transient("delete item "+libraryItemID, err)
	}
	return nil
}
