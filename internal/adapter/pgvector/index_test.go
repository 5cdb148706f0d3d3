package pgvector_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/adapter/pgvector"
	"lumina/backend/internal/apperr"
	"lumina/backend/internal/vector"
)

func TestIndex_IndexName(t *testing.T) {
	assert.Equal(t, "library_chunks_acme", pgvector.NewIndex(nil, vector.ScopeTenant).IndexName("acme"))
	assert.Equal(t, "library_chunks", pgvector.NewIndex(nil, vector.ScopeGlobal).IndexName("acme"))
}

func TestIndex_Exists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass($1) IS NOT NULL`)).
		WithArgs(`"library_chunks_acme"`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))

	ok, err := pgvector.NewIndex(db, vector.ScopeTenant).Exists(context.Background(), "library_chunks_acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE "library_chunks_acme"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX "library_chunks_acme_item_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`USING hnsw (embedding vector_cosine_ops)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Create(context.Background(), vector.Spec{Name: "library_chunks_acme", Dimension: 3, Metric: vector.MetricCosine})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_CreateWideEmbeddingsUseHalfvec(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`embedding halfvec(3072) NOT NULL`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX "library_chunks_acme_item_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`USING hnsw (embedding halfvec_l2_ops)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Create(context.Background(), vector.Spec{Name: "library_chunks_acme", Dimension: 3072, Metric: vector.MetricL2})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_CreateRejectsDimensionPastHNSWLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Create(context.Background(), vector.Spec{Name: "x", Dimension: 4096})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_CreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE`)).WillReturnError(&pq.Error{Code: "42P07", Message: "relation already exists"})
	mock.ExpectRollback()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Create(context.Background(), vector.Spec{Name: "library_chunks_acme", Dimension: 3})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_CreateRequiresDimension(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Create(context.Background(), vector.Spec{Name: "x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestIndex_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	recs := []vector.Record{
		{ID: vector.RecordID("acme", "doc", 0), Vector: []float32{1, 2, 3}, TenantID: "acme", LibraryItemID: "doc", SequenceIndex: 0, Text: "a"},
		{ID: vector.RecordID("acme", "doc", 1), Vector: []float32{4, 5, 6}, TenantID: "acme", LibraryItemID: "doc", SequenceIndex: 1, Text: "b"},
	}

	mock.ExpectBegin()
	for _, r := range recs {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "library_chunks_acme"`)).
			WithArgs(r.ID, "acme", "doc", r.SequenceIndex, r.Text, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Upsert(context.Background(), "library_chunks_acme", recs)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_UpsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO`)).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = pgvector.NewIndex(db, vector.ScopeTenant).Upsert(context.Background(), "library_chunks_acme", []vector.Record{{ID: "x", Vector: []float32{1}}})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_DeleteItem(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "library_chunks_acme" WHERE tenant_id = $1 AND library_item_id = $2`)).
		WithArgs("acme", "doc").
		WillReturnResult(sqlmock.NewResult(0, 4))

	require.NoError(t, pgvector.NewIndex(db, vector.ScopeTenant).DeleteItem(context.Background(), "library_chunks_acme", "acme", "doc"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_EnsureExtension(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnError(errors.New("extension \"vector\" is not available"))

	idx := pgvector.NewIndex(db, vector.ScopeGlobal)
	require.NoError(t, idx.EnsureExtension(context.Background()))

	err = idx.EnsureExtension(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindInitializationFatal))
	assert.NoError(t, mock.ExpectationsWereMet())
}
