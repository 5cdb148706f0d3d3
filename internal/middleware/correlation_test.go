package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationID(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := r.Context().Value(CorrelationKey).(string)
		if !ok || id == "" {
			t.Error("correlation id missing from context")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("header missing")
	}
}

func TestCorrelationID_KeepsIncomingHeader(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get("X-Correlation-ID"))
}

func TestJobContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", GetCorrelationID(ctx))
	assert.Empty(t, GetTenantID(ctx))
	assert.Empty(t, GetJobID(ctx))

	ctx = WithJob(ctx, "acme", "doc-1_deadbeef")
	assert.Equal(t, "acme", GetTenantID(ctx))
	assert.Equal(t, "doc-1_deadbeef", GetJobID(ctx))

	assert.Equal(t, "globex", GetTenantID(WithTenantID(ctx, "globex")))
}
