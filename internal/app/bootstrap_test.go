package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/adapter/blob"
	"lumina/backend/internal/apperr"
	"lumina/backend/internal/cache"
	"lumina/backend/internal/config"
	"lumina/backend/internal/events"
	"lumina/backend/internal/vector"
)

func TestWithRetry_Success(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", 1, time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_Retries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_Fail(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "ping thing", 3, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent error")
	})
	assert.ErrorContains(t, err, "ping thing: permanent error")
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, "op", 10, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBootstrap_DatabaseUnreachable(t *testing.T) {
	cfg := &config.Config{
		DBHost:                     "127.0.0.1",
		DBPort:                     1,
		DBUser:                     "lumina",
		DBName:                     "lumina",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}
	deps, err := Bootstrap(context.Background(), cfg)
	assert.Nil(t, deps)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInitializationFatal), "got %v", err)
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := newCache(ctx, &config.Config{CacheBackend: "memory"}, &Dependencies{})
		require.NoError(t, err)
		assert.IsType(t, &cache.Memory{}, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		deps := &Dependencies{}
		store, err := newCache(ctx, &config.Config{CacheBackend: "redis", RedisAddr: mr.Addr(), BootstrapRetryAttempts: 1}, deps)
		require.NoError(t, err)
		t.Cleanup(func() { _ = deps.Close() })

		created, err := store.SetIfAbsent(ctx, "k", "v")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "v", mustGet(t, mr, "k"))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		deps := &Dependencies{}
		_, err := newCache(ctx, &config.Config{CacheBackend: "redis", RedisAddr: addr, BootstrapRetryAttempts: 1}, deps)
		assert.ErrorContains(t, err, "ping cache")
		_ = deps.Close()
	})

	t.Run("postgres", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		_, err = newCache(ctx, &config.Config{CacheBackend: "postgres", BootstrapRetryAttempts: 1}, &Dependencies{DB: db})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestNewIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		idx, err := newIndex(ctx, &config.Config{VectorBackend: "memory", IndexScope: "global"}, nil)
		require.NoError(t, err)
		assert.IsType(t, &vector.MemoryIndex{}, idx)
	})

	t.Run("weaviate live", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/.well-known/live" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		cfg := &config.Config{
			VectorBackend:          "weaviate",
			WeaviateHost:           strings.TrimPrefix(server.URL, "http://"),
			WeaviateScheme:         "http",
			IndexScope:             "tenant",
			BootstrapRetryAttempts: 1,
		}
		idx, err := newIndex(ctx, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "LibraryChunk_acme", idx.IndexName("acme"))
	})

	t.Run("weaviate down", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := &config.Config{
			VectorBackend:          "weaviate",
			WeaviateHost:           strings.TrimPrefix(server.URL, "http://"),
			WeaviateScheme:         "http",
			BootstrapRetryAttempts: 2,
		}
		_, err := newIndex(ctx, cfg, nil)
		assert.ErrorContains(t, err, "weaviate live check")
		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	})
}

func TestNewBus_Memory(t *testing.T) {
	bus, err := newBus(context.Background(), &config.Config{EventBus: "memory"}, &Dependencies{})
	require.NoError(t, err)
	assert.IsType(t, &events.MemoryBus{}, bus)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestNewDownloader(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	cfg := &config.Config{
		S3Region:      "us-east-1",
		S3AccessKey:   "key",
		S3SecretKey:   "secret",
		MaxDownloadMB: 1,
		LocalFileRoot: root,
	}
	router, err := newDownloader(context.Background(), cfg)
	require.NoError(t, err)

	data, err := router.Download(context.Background(), blob.FileLink(path))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = router.Download(context.Background(), "ftp://host/file")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	t.Run("file links disabled without root", func(t *testing.T) {
		cfg.LocalFileRoot = ""
		router, err := newDownloader(context.Background(), cfg)
		require.NoError(t, err)
		_, err = router.Download(context.Background(), blob.FileLink(path))
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestCreateTopics(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/topic/create", r.URL.Path)
		got = append(got, r.URL.Query().Get("topic"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	createTopics(context.Background(), strings.TrimPrefix(server.URL, "http://"), config.TopicIngestTask, "other")
	assert.Equal(t, []string{config.TopicIngestTask, "other"}, got)
}

func TestDependencies_CloseReverseOrder(t *testing.T) {
	var order []int
	deps := &Dependencies{}
	deps.onClose(func() error { order = append(order, 1); return nil })
	deps.onClose(func() error { order = append(order, 2); return errors.New("boom") })

	err := deps.Close()
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []int{2, 1}, order)
}
