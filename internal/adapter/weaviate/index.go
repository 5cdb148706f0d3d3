package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/vector"
)

const globalClass = "LibraryChunk"

// Index stores chunk vectors as Weaviate objects, one class per index.
type Index struct {
	client *weaviate.Client
	scope  vector.Scope
}

func NewIndex(client *weaviate.Client, scope vector.Scope) *Index {
	return &Index{client: client, scope: scope}
}

func (s *Index) IndexName(tenantID string) string {
	if s.scope == vector.ScopeGlobal {
		return globalClass
	}
	return globalClass + "_" + vector.SafeTenant(tenantID, 200)
}

func (s *Index) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
	if err != nil {
		return false, apperr.Transient("class exists "+name, err)
	}
	return ok, nil
}

func (s *Index) Create(ctx context.Context, spec vector.Spec) error {
	class := &models.Class{
		Class:           spec.Name,
		Description:     "Chunks of library documents",
		Vectorizer:      "none",
		VectorIndexType: "hnsw",
		VectorIndexConfig: map[string]interface{}{
			"distance": distance(spec.Metric),
		},
		Properties: []*models.Property{
			{Name: "text", DataType: []string{"text"}},
			{Name: "tenantId", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "libraryItemId", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "sequenceIndex", DataType: []string{"int"}},
		},
	}

	err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
	if err == nil {
		return nil
	}
	if alreadyExists(err) {
		return apperr.Conflict("create class "+spec.Name, err)
	}
	return apperr.Transient("create class "+spec.Name, err)
}

func alreadyExists(err error) bool {
	var clientErr *fault.WeaviateClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	return clientErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(clientErr.Msg), "already exists")
}

func distance(m vector.Metric) string {
	switch m {
	case vector.MetricL2:
		return "l2-squared"
	case vector.MetricDot:
		return "dot"
	default:
		return "cosine"
	}
}

// Upsert writes all records in one batch. When any object is rejected the
// objects of the affected items are removed again before returning.
func (s *Index) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(records))
	for _, r := range records {
		objects = append(objects, &models.Object{
			Class: name,
			ID:    strfmt.UUID(r.ID),
			Properties: map[string]interface{}{
				"text":          r.Text,
				"tenantId":      r.TenantID,
				"libraryItemId": r.LibraryItemID,
				"sequenceIndex": r.SequenceIndex,
			},
			Vector: r.Vector,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err == nil {
		err = firstObjectError(resp)
	}
	if err != nil {
		s.rollback(ctx, name, records)
		return apperr.Transient("upsert "+name, err)
	}
	return nil
}

func firstObjectError(resp []models.ObjectsGetResponse) error {
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, item := range r.Result.Errors.Error {
			if item != nil {
				return fmt.Errorf("object %s rejected: %s", r.ID, item.Message)
			}
		}
	}
	return nil
}

func (s *Index) rollback(ctx context.Context, name string, records []vector.Record) {
	seen := make(map[[2]string]bool)
	for _, r := range records {
		key := [2]string{r.TenantID, r.LibraryItemID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := s.DeleteItem(ctx, name, r.TenantID, r.LibraryItemID); err != nil {
			slog.ErrorContext(ctx, "failed to roll back partial upsert", "index", name, "library_item_id", r.LibraryItemID, "error", err)
		}
	}
}

func (s *Index) DeleteItem(ctx context.Context, name, tenantID, libraryItemID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(name).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"tenantId"}).
					WithOperator(filters.Equal).
					WithValueText(tenantID),
				filters.Where().
					WithPath([]string{"libraryItemId"}).
					WithOperator(filters.Equal).
					WithValueText(libraryItemID),
			})).
		Do(ctx)
	if err != nil {
		return apperr.Transient("delete item "+libraryItemID, err)
	}
	return nil
}
