package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"lumina/backend/internal/adapter/blob"
	"lumina/backend/internal/adapter/gemini"
	nsqbus "lumina/backend/internal/adapter/nsq"
	"lumina/backend/internal/adapter/pgvector"
	pgcache "lumina/backend/internal/adapter/postgres"
	rediscache "lumina/backend/internal/adapter/redis"
	wstore "lumina/backend/internal/adapter/weaviate"
	"lumina/backend/internal/apperr"
	"lumina/backend/internal/cache"
	"lumina/backend/internal/config"
	"lumina/backend/internal/embedding"
	"lumina/backend/internal/events"
	"lumina/backend/internal/extract"
	"lumina/backend/internal/vector"
)

// EventBus is the job event transport plus the live subscriber count.
type EventBus interface {
	events.Bus
	Subscribers() int
}

type Dependencies struct {
	DB          *sql.DB
	Cache       cache.Store
	Index       vector.Index
	Bus         EventBus
	Downloader  *blob.Router
	Embedder    embedding.Client
	NSQProducer *nsq.Producer

	closers []func() error
}

// Close releases every connection opened by Bootstrap, last opened first.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dependencies) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Bootstrap connects every backing service. Any failure is an
// initialization fatal error and the process must not serve.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	fail := func(op string, err error) (*Dependencies, error) {
		if closeErr := deps.Close(); closeErr != nil {
			slog.WarnContext(ctx, "failed to release partial dependencies", "error", closeErr)
		}
		if apperr.Is(err, apperr.KindInitializationFatal) {
			return nil, err
		}
		return nil, apperr.Fatal(op, err)
	}

	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fail("open db", err)
	}
	deps.DB = db
	deps.onClose(db.Close)

	if err := WithRetry(ctx, "ping db", cfg.BootstrapRetryAttempts, cfg.RetryDelay(), db.PingContext); err != nil {
		return fail("ping db", err)
	}

	if err := RunMigrations(db, cfg.MigrationPath); err != nil {
		return fail("migrate", err)
	}
	slog.InfoContext(ctx, "migrations applied successfully")

	if deps.Cache, err = newCache(ctx, cfg, deps); err != nil {
		return fail("readiness cache", err)
	}
	if deps.Index, err = newIndex(ctx, cfg, db); err != nil {
		return fail("vector index", err)
	}
	if deps.Bus, err = newBus(ctx, cfg, deps); err != nil {
		return fail("event bus", err)
	}
	if deps.Downloader, err = newDownloader(ctx, cfg); err != nil {
		return fail("blob downloader", err)
	}

	embedder, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.EmbedModel)
	if err != nil {
		return fail("embedder", err)
	}
	deps.Embedder = embedder
	deps.onClose(embedder.Close)

	if err := extract.CheckPDFTool(); err != nil {
		slog.WarnContext(ctx, "PDF documents will fail until pdftotext is installed", "error", err)
	}

	return deps, nil
}

// RunMigrations applies every pending migration from path.
func RunMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newCache(ctx context.Context, cfg *config.Config, deps *Dependencies) (cache.Store, error) {
	var store interface {
		cache.Store
		pinger
	}
	switch cfg.CacheBackend {
	case "memory":
		slog.WarnContext(ctx, "readiness cache is process-local; run a single instance")
		return cache.NewMemory(), nil
	case "postgres":
		store = pgcache.NewCache(deps.DB)
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.onClose(client.Close)
		store = rediscache.NewCache(client)
	}
	if err := WithRetry(ctx, "ping cache", cfg.BootstrapRetryAttempts, cfg.RetryDelay(), store.Ping); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "readiness cache connected", "backend", cfg.CacheBackend)
	return store, nil
}

func newIndex(ctx context.Context, cfg *config.Config, db *sql.DB) (vector.Index, error) {
	scope := vector.Scope(cfg.IndexScope)
	switch cfg.VectorBackend {
	case "memory":
		return vector.NewMemoryIndex(scope), nil
	case "pgvector":
		idx := pgvector.NewIndex(db, scope)
		if err := idx.EnsureExtension(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	default:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		live := func(ctx context.Context) error {
			ok, err := client.Misc().LiveChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("weaviate is not live")
			}
			return nil
		}
		if err := WithRetry(ctx, "weaviate live check", cfg.BootstrapRetryAttempts, cfg.RetryDelay(), live); err != nil {
			return nil, err
		}
		return wstore.NewIndex(client, scope), nil
	}
}

func newBus(ctx context.Context, cfg *config.Config, deps *Dependencies) (EventBus, error) {
	if cfg.EventBus == "memory" {
		slog.WarnContext(ctx, "event bus is process-local; subscribers only see runs of this instance")
		return events.NewMemoryBus(), nil
	}

	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer
	deps.onClose(func() error {
		producer.Stop()
		return nil
	})

	ping := func(context.Context) error { return producer.Ping() }
	if err := WithRetry(ctx, "ping nsqd", cfg.BootstrapRetryAttempts, cfg.RetryDelay(), ping); err != nil {
		return nil, err
	}

	if cfg.NSQDHTTP != "" {
		createTopics(ctx, cfg.NSQDHTTP, config.TopicIngestTask)
	}

	bus := nsqbus.NewBus(producer, nsqbus.Config{
		TopicPrefix: cfg.EventTopicPrefix,
		Lookupd:     cfg.NSQLookupd,
		NSQD:        cfg.NSQDHost,
	}, nil)
	deps.onClose(func() error {
		bus.Stop()
		return nil
	})
	return bus, nil
}

func newDownloader(ctx context.Context, cfg *config.Config) (*blob.Router, error) {
	maxBytes := cfg.MaxDownloadBytes()
	httpDL := blob.NewHTTP(nil, maxBytes)
	router := blob.NewRouter().
		Handle("http", httpDL).
		Handle("https", httpDL)

	client, err := blob.NewS3Client(ctx, blob.S3Config{
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	router.Handle("s3", blob.NewS3(client, maxBytes))

	if cfg.LocalFileRoot != "" {
		router.Handle("file", blob.File{Root: cfg.LocalFileRoot, MaxBytes: maxBytes})
	}
	return router, nil
}

// createTopics registers topics up front so lookupd consumers do not 404
// before the first publish.
func createTopics(ctx context.Context, nsqdHTTP string, topics ...string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, topic := range topics {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			slog.WarnContext(ctx, "failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.WarnContext(ctx, "failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.WarnContext(ctx, "failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}

// WithRetry calls fn until it succeeds or attempts run out, sleeping delay
// between tries. It stops early when ctx is done.
func WithRetry(ctx context.Context, op string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, op+" failed, retrying...", "attempt", i+1, "max_attempts", attempts, "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ConnectTaskConsumer subscribes h to the ingest task topic on the shared
// worker channel.
func ConnectTaskConsumer(cfg *config.Config, h nsq.Handler) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(config.TopicIngestTask, config.ChannelIngestWorker, nsq.NewConfig())
	if err != nil {
		return nil, apperr.Fatal("task consumer", err)
	}
	consumer.AddHandler(h)
	if cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, apperr.Fatal("task consumer", err)
	}
	return consumer, nil
}
