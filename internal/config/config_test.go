package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	// Set env var directly to test envconfig logic
	t.Setenv("DB_HOST", "test-host")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	// Create a temp .env file
	content := []byte("DB_HOST=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, "weaviate", cfg.VectorBackend)
	assert.Equal(t, "tenant", cfg.IndexScope)
	assert.Equal(t, "nsq", cfg.EventBus)
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 256, cfg.SubscriberBuffer)
	assert.Equal(t, int64(50<<20), cfg.MaxDownloadBytes())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "postgres")
	t.Setenv("VECTOR_BACKEND", "pgvector")
	t.Setenv("INDEX_SCOPE", "global")
	t.Setenv("EVENT_BUS", "memory")
	t.Setenv("INGESTION_CONCURRENCY", "10")
	t.Setenv("TENANT_CONCURRENCY", "3")
	t.Setenv("EMBED_RATE_PER_SEC", "2.5")
	t.Setenv("CORS_ORIGINS", "https://app.example.com,https://admin.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.CacheBackend)
	assert.Equal(t, "pgvector", cfg.VectorBackend)
	assert.Equal(t, "global", cfg.IndexScope)
	assert.Equal(t, "memory", cfg.EventBus)
	assert.Equal(t, 10, cfg.IngestionConcurrency)
	assert.Equal(t, 3, cfg.TenantConcurrency)
	assert.InDelta(t, 2.5, cfg.EmbedRatePerSec, 1e-9)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoadConfig_InvalidBackend(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "qdrant")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}

func TestConfig_DSN(t *testing.T) {
	cfg := config.Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPass: "p", DBName: "n"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}
