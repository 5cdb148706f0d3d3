package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"

	"lumina/backend/features/job"
	"lumina/backend/features/library"
	"lumina/backend/features/stats"
	"lumina/backend/features/subscription"
	"lumina/backend/internal/config"
	"lumina/backend/internal/embedding"
	"lumina/backend/internal/extract"
	"lumina/backend/internal/middleware"
	"lumina/backend/internal/vector"
	"lumina/backend/internal/worker"
)

type App struct {
	Handler      http.Handler
	Dispatcher   *worker.Dispatcher
	Orchestrator *worker.Orchestrator
	TaskConsumer *worker.TaskConsumer
	JobService   *job.Service

	port            int
	shutdownTimeout time.Duration
	cancel          context.CancelFunc
}

// Options replaces dependencies built by Bootstrap, mainly for tests.
type Options struct {
	Embedder embedding.Client
}

func New(cfg *config.Config, deps *Dependencies, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	embedClient := deps.Embedder
	if opts.Embedder != nil {
		embedClient = opts.Embedder
	}
	if embedClient == nil {
		return nil, errors.New("no embedding client configured")
	}

	metric, err := vector.ParseMetric(cfg.EmbedMetric)
	if err != nil {
		return nil, fmt.Errorf("embed metric: %w", err)
	}

	// Pipeline
	batcher := embedding.NewBatcher(embedClient, embedding.Config{
		BatchSize:     cfg.EmbedBatchSize,
		Concurrency:   cfg.EmbedConcurrency,
		RatePerSecond: cfg.EmbedRatePerSec,
		Dimension:     cfg.EmbedDimension,
	})
	readiness := vector.NewReadiness(deps.Index, deps.Cache, cfg.EmbedDimension, metric)
	orchestrator := worker.NewOrchestrator(
		extract.NewSet(),
		deps.Downloader,
		batcher,
		readiness,
		deps.Index,
		deps.Bus,
		worker.Config{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap},
	)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(deps.DB)
	starter := &deferredStarter{}
	jobService := job.NewService(jobRepo, starter)
	jobHandler := job.NewHandler(jobService)

	base, cancel := context.WithCancel(context.Background())
	dispatcher := worker.NewDispatcher(base, orchestrator, jobService, worker.DispatcherConfig{
		MaxConcurrent: int64(cfg.IngestionConcurrency),
		MaxPerTenant:  int64(cfg.TenantConcurrency),
	})
	starter.d = dispatcher

	// Feature: Library, Subscription, Stats
	libraryHandler := library.NewHandler(dispatcher)
	subHandler := subscription.NewHandler(deps.Bus, cfg.SubscriberBuffer)
	statsHandler := stats.NewHandler(jobRepo, dispatcher, deps.Bus)

	// Routes
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tenants/{tenantID}/library/{itemID}/ingest", libraryHandler.Ingest)
	mux.HandleFunc("GET /tenants/{tenantID}/events", subHandler.HandleSSE)
	mux.HandleFunc("GET /tenants/{tenantID}/events/ws", subHandler.HandleWS)

	mux.HandleFunc("GET /jobs/failed", jobHandler.List)
	mux.HandleFunc("POST /jobs/{id}/retry", jobHandler.Retry)

	mux.HandleFunc("GET /stats", statsHandler.GetStats)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.WarnContext(r.Context(), "failed to write health response", "error", err)
		}
	})

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	return &App{
		Handler:         corsHandler(middleware.CorrelationID(mux)),
		Dispatcher:      dispatcher,
		Orchestrator:    orchestrator,
		TaskConsumer:    worker.NewTaskConsumer(dispatcher),
		JobService:      jobService,
		port:            cfg.ServerPort,
		shutdownTimeout: time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
		cancel:          cancel,
	}, nil
}

// Run serves HTTP until ctx is done, then drains in-flight ingestions.
// Runs still going when the shutdown timeout expires are cancelled and end
// in job_failed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", a.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		a.cancel()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	a.Drain(shutdownCtx)
	return nil
}

// Drain waits for in-flight ingestions until ctx is done, then cancels the
// rest and waits for their terminal events.
func (a *App) Drain(ctx context.Context) {
	if err := a.Dispatcher.Wait(ctx); err != nil {
		slog.Warn("shutdown timeout reached, cancelling ingestions", "active", a.Dispatcher.Active())
	}
	a.cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Dispatcher.Wait(waitCtx); err != nil {
		slog.Error("ingestions did not stop after cancellation", "active", a.Dispatcher.Active())
	}
}

// deferredStarter lets the job service retry through a dispatcher that is
// built after it.
type deferredStarter struct {
	d *worker.Dispatcher
}

func (s *deferredStarter) Start(ctx context.Context, tenantID string, item worker.Item) (string, error) {
	return s.d.Start(ctx, tenantID, item)
}
