package vector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/apperr"
)

func TestRecordID_Stable(t *testing.T) {
	a := RecordID("t1", "item-1", 0)
	assert.Equal(t, a, RecordID("t1", "item-1", 0))
	assert.NotEqual(t, a, RecordID("t1", "item-1", 1))
	assert.NotEqual(t, a, RecordID("t2", "item-1", 0))
	assert.Len(t, a, 36)
}

func TestSafeTenant(t *testing.T) {
	assert.Equal(t, "acme", SafeTenant("acme", 40))

	dashed := SafeTenant("acme-corp", 40)
	assert.True(t, strings.HasPrefix(dashed, "acme_corp_"))
	assert.NotEqual(t, dashed, SafeTenant("acme_corp", 40))

	long := SafeTenant(strings.Repeat("x", 100), 40)
	assert.LessOrEqual(t, len(long), 40)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("COSINE")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)
	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(ScopeTenant)
	name := idx.IndexName("t1")

	require.NoError(t, idx.Create(ctx, Spec{Name: name, Dimension: 2}))
	err := idx.Create(ctx, Spec{Name: name, Dimension: 2})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	recs := []Record{
		{ID: RecordID("t1", "a", 0), Vector: []float32{1, 0}, TenantID: "t1", LibraryItemID: "a", SequenceIndex: 0},
		{ID: RecordID("t1", "b", 0), Vector: []float32{0, 1}, TenantID: "t1", LibraryItemID: "b", SequenceIndex: 0},
	}
	require.NoError(t, idx.Upsert(ctx, name, recs))
	require.NoError(t, idx.Upsert(ctx, name, recs[:1]))
	assert.Len(t, idx.Records(name), 2)

	require.NoError(t, idx.DeleteItem(ctx, name, "t1", "a"))
	left := idx.Records(name)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].LibraryItemID)

	err = idx.Upsert(ctx, name, []Record{{ID: "x", Vector: []float32{1}}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Len(t, idx.Records(name), 1)

	assert.Equal(t, "library_chunks", NewMemoryIndex(ScopeGlobal).IndexName("anything"))
}
