package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/middleware"
)

func TestContextHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	jsonHandler := slog.NewJSONHandler(&buf, nil)
	h := NewContextHandler(jsonHandler)
	logger := slog.New(h)

	ctx := context.Background()
	ctx = middleware.WithCorrelationID(ctx, "test-correlation-id")

	logger.InfoContext(ctx, "test message")

	var logMap map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logMap); err != nil {
		t.Fatalf("failed to unmarshal log: %v", err)
	}

	if logMap["correlation_id"] != "test-correlation-id" {
		t.Errorf("expected correlation_id 'test-correlation-id', got %v", logMap["correlation_id"])
	}
	if _, ok := logMap["tenant_id"]; ok {
		t.Error("tenant_id should be absent without a job context")
	}
}

func TestContextHandler_JobAttrsSurviveWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "worker")

	ctx := middleware.WithJob(context.Background(), "acme", "doc_1234abcd")
	logger.InfoContext(ctx, "stage done")

	var logMap map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logMap))
	assert.Equal(t, "acme", logMap["tenant_id"])
	assert.Equal(t, "doc_1234abcd", logMap["job_id"])
	assert.Equal(t, "worker", logMap["component"])
}

func TestNew_FansOutToFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "lumina.log")

	logger, closeFn := New(&stdout, path, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("visible", "key", "value")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"visible"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, stdout.String(), `"key":"value"`)
	assert.Equal(t, 1, strings.Count(stdout.String(), "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
