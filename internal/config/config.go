package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"lumina"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"lumina"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Readiness cache: redis, postgres or memory
	CacheBackend  string `envconfig:"CACHE_BACKEND" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Vector index: weaviate, pgvector or memory
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	IndexScope     string `envconfig:"INDEX_SCOPE" default:"tenant"`

	// Embeddings
	GeminiAPIKey     string  `envconfig:"GEMINI_API_KEY"`
	EmbedModel       string  `envconfig:"EMBED_MODEL" default:"gemini-embedding-001"`
	EmbedDimension   int     `envconfig:"EMBED_DIMENSION" default:"3072"`
	EmbedMetric      string  `envconfig:"EMBED_METRIC" default:"cosine"`
	EmbedBatchSize   int     `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	EmbedConcurrency int     `envconfig:"EMBED_CONCURRENCY" default:"2"`
	EmbedRatePerSec  float64 `envconfig:"EMBED_RATE_PER_SEC" default:"0"`

	ChunkSize    int `envconfig:"CHUNK_SIZE" default:"512"`
	ChunkOverlap int `envconfig:"CHUNK_OVERLAP" default:"50"`

	// Job event bus: nsq or memory
	EventBus         string `envconfig:"EVENT_BUS" default:"nsq"`
	NSQLookupd       string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost         string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP         string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EventTopicPrefix string `envconfig:"EVENT_TOPIC_PREFIX" default:"training_events."`
	EnableTaskWorker bool   `envconfig:"ENABLE_TASK_WORKER" default:"true"`

	// Blob storage
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT"`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	MaxDownloadMB  int64  `envconfig:"MAX_DOWNLOAD_MB" default:"50"`
	LocalFileRoot  string `envconfig:"LOCAL_FILE_ROOT"`

	// Ingestion
	IngestionConcurrency int `envconfig:"INGESTION_CONCURRENCY" default:"8"`
	TenantConcurrency    int `envconfig:"TENANT_CONCURRENCY" default:"2"`
	SubscriberBuffer     int `envconfig:"SUBSCRIBER_BUFFER" default:"256"`

	// Server
	ServerPort  int      `envconfig:"SERVER_PORT" default:"8081"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string   `envconfig:"LOG_FILE"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
	ShutdownTimeoutSeconds     int `envconfig:"SHUTDOWN_TIMEOUT_SECONDS" default:"30"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	if !oneOf(c.CacheBackend, "redis", "postgres", "memory") {
		return fmt.Errorf("%w: CACHE_BACKEND=%q", ErrInvalidValue, c.CacheBackend)
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("%w: REDIS_ADDR", ErrMissingRequired)
	}
	if !oneOf(c.VectorBackend, "weaviate", "pgvector", "memory") {
		return fmt.Errorf("%w: VECTOR_BACKEND=%q", ErrInvalidValue, c.VectorBackend)
	}
	if !oneOf(c.IndexScope, "tenant", "global") {
		return fmt.Errorf("%w: INDEX_SCOPE=%q", ErrInvalidValue, c.IndexScope)
	}
	if !oneOf(c.EventBus, "nsq", "memory") {
		return fmt.Errorf("%w: EVENT_BUS=%q", ErrInvalidValue, c.EventBus)
	}
	if c.EventBus == "nsq" && c.NSQDHost == "" {
		return fmt.Errorf("%w: NSQD_HOST", ErrMissingRequired)
	}

	if c.EmbedDimension <= 0 {
		return fmt.Errorf("%w: EMBED_DIMENSION must be positive", ErrInvalidValue)
	}
	// pgvector's HNSW index stops at 4000 dimensions, even for halfvec.
	if c.VectorBackend == "pgvector" && c.EmbedDimension > 4000 {
		return fmt.Errorf("%w: EMBED_DIMENSION=%d exceeds 4000 for VECTOR_BACKEND=pgvector", ErrInvalidValue, c.EmbedDimension)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalidValue)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}

func (c *Config) MaxDownloadBytes() int64 {
	return c.MaxDownloadMB << 20
}
