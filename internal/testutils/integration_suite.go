package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"lumina/backend/internal/config"
)

const (
	dbName = "lumina_test"
	dbUser = "test"
	dbPass = "test"
)

// IntegrationSuite starts Postgres (with pgvector), Weaviate, Redis and
// nsqd in containers for tests that need the real services.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer
	Redis    *redis.Client

	SkipMigrations bool

	dbHost       string
	dbPort       int
	weaviateHost string
	redisAddr    string
	nsqdTCP      string
	nsqdHTTP     string

	// Containers
	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	redisContainer    testcontainers.Container
	nsqContainer      testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

// MigrationPath points at the repository's migrations directory.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.dbHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.dbPort = pgPort.Int()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	if !s.SkipMigrations {
		m, err := migrate.New(MigrationPath(), connStr)
		require.NoError(s.T, err)
		require.NoError(s.T, m.Up())
	}

	// 2. Weaviate
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:latest",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = weaviateC
	s.weaviateHost = s.endpoint(ctx, weaviateC, "8080")

	s.Weaviate, err = weaviate.NewClient(weaviate.Config{Host: s.weaviateHost, Scheme: "http"})
	require.NoError(s.T, err)

	// 3. Redis
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.redisContainer = redisC
	s.redisAddr = s.endpoint(ctx, redisC, "6379")
	s.Redis = redis.NewClient(&redis.Options{Addr: s.redisAddr})

	// 4. NSQ
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC
	s.nsqdTCP = s.endpoint(ctx, nsqC, "4150")
	s.nsqdHTTP = s.endpoint(ctx, nsqC, "4151")

	s.NSQ, err = nsq.NewProducer(s.nsqdTCP, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) string {
	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(s.T, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// GetAppConfig returns a configuration wired to the suite's containers.
// There is no nsqlookupd, so consumers connect to nsqd directly.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	return &config.Config{
		DBHost:        s.dbHost,
		DBPort:        s.dbPort,
		DBUser:        dbUser,
		DBPass:        dbPass,
		DBName:        dbName,
		MigrationPath: MigrationPath(),

		CacheBackend: "redis",
		RedisAddr:    s.redisAddr,

		VectorBackend:  "weaviate",
		WeaviateHost:   s.weaviateHost,
		WeaviateScheme: "http",
		IndexScope:     "tenant",

		GeminiAPIKey:     "test-key",
		EmbedModel:       "gemini-embedding-001",
		EmbedDimension:   3,
		EmbedMetric:      "cosine",
		EmbedBatchSize:   100,
		EmbedConcurrency: 1,

		ChunkSize:    512,
		ChunkOverlap: 50,

		EventBus:         "nsq",
		NSQDHost:         s.nsqdTCP,
		NSQDHTTP:         s.nsqdHTTP,
		EventTopicPrefix: "training_events.",

		S3Region:      "us-east-1",
		S3AccessKey:   "test",
		S3SecretKey:   "test",
		MaxDownloadMB: 10,
		LocalFileRoot: os.TempDir(),

		IngestionConcurrency: 4,
		TenantConcurrency:    2,
		SubscriberBuffer:     64,

		ServerPort:  8081,
		CORSOrigins: []string{"*"},
		LogLevel:    "debug",

		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
		ShutdownTimeoutSeconds:     5,
	}
}

// Logger writes test logs as text to stdout.
func (s *IntegrationSuite) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
	for _, c := range []testcontainers.Container{s.nsqContainer, s.redisContainer, s.weaviateContainer} {
		if c != nil {
			if err := c.Terminate(ctx); err != nil {
				s.T.Logf("terminate container: %v", err)
			}
		}
	}
	if s.pgContainer != nil {
		if err := s.pgContainer.Terminate(ctx); err != nil {
			s.T.Logf("terminate postgres: %v", err)
		}
	}
}
