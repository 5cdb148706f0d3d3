package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/embedding"
	"lumina/backend/internal/events"
	"lumina/backend/internal/extract"
	"lumina/backend/internal/text"
	"lumina/backend/internal/vector"
)

const totalSteps = 4

// Progress checkpoints. Embedding advances between embeddingPercent and
// indexingPercent as sub-batches finish.
const (
	chunkingPercent  = 25.0
	embeddingPercent = 50.0
	indexingPercent  = 75.0
)

type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// Orchestrator drives one document through extract, chunk, embed and index,
// publishing a job event at each transition.
type Orchestrator struct {
	extractor  Extractor
	downloader Downloader
	embedder   Embedder
	readiness  IndexReadiness
	index      VectorWriter
	pub        events.Publisher
	cfg        Config
	now        func() time.Time
}

func NewOrchestrator(ex Extractor, dl Downloader, em Embedder, ready IndexReadiness, idx VectorWriter, pub events.Publisher, cfg Config) *Orchestrator {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = text.DefaultChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = text.DefaultChunkOverlap
	}
	return &Orchestrator{
		extractor:  ex,
		downloader: dl,
		embedder:   em,
		readiness:  ready,
		index:      idx,
		pub:        pub,
		cfg:        cfg,
		now:        time.Now,
	}
}

// run tracks one job so that exactly one terminal event is published.
type run struct {
	o        *Orchestrator
	jobID    string
	tenantID string
	item     Item
	started  time.Time
}

// Run executes the pipeline and returns the error reported in job_failed, or
// nil once job_completed has been published. It never retries.
func (o *Orchestrator) Run(ctx context.Context, jobID, tenantID string, item Item) (err error) {
	r := &run{o: o, jobID: jobID, tenantID: tenantID, item: item, started: o.now()}

	r.publish(ctx, events.JobStarted{Header: r.header(), TotalSteps: totalSteps, Title: item.Title})
	slog.InfoContext(ctx, "ingestion started", "library_item_id", item.ID, "title", item.Title)

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "ingestion panicked", "panic", p)
			err = fmt.Errorf("ingestion panicked: %v", p)
		}
		if err != nil {
			r.fail(ctx, err)
			return
		}
		r.complete(ctx)
	}()

	return r.execute(ctx)
}

// Abandon reports a run that was accepted but never executed, for example
// because the service shut down while it was queued.
func (o *Orchestrator) Abandon(ctx context.Context, jobID, tenantID string, item Item, cause error) {
	r := &run{o: o, jobID: jobID, tenantID: tenantID, item: item, started: o.now()}
	ctx = context.WithoutCancel(ctx)
	r.publish(ctx, events.JobStarted{Header: r.header(), TotalSteps: totalSteps, Title: item.Title})
	r.fail(ctx, cause)
}

func (r *run) execute(ctx context.Context) error {
	o := r.o

	contentType := r.item.ContentType
	if contentType == "" {
		contentType = contentTypeFromLink(r.item.UploadLink)
	}
	if !o.extractor.Supports(contentType) {
		return apperr.Extraction("extract", fmt.Errorf("unsupported content type %q", contentType))
	}

	data, err := o.downloader.Download(ctx, r.item.UploadLink)
	if err != nil {
		return err
	}

	body, err := o.extractor.Extract(ctx, data, contentType)
	if err != nil {
		return err
	}

	r.progress(ctx, events.StageChunking, 1, chunkingPercent, "")
	chunks, err := text.Split(body, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "document chunked", "chunks", len(chunks), "chars", len(body))

	r.progress(ctx, events.StageEmbedding, 2, embeddingPercent, fmt.Sprintf("embedding %d chunks", len(chunks)))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts, func(done, total int) {
		pct := embeddingPercent + (indexingPercent-embeddingPercent)*float64(done)/float64(total)
		r.progress(ctx, events.StageEmbedding, 2, pct, fmt.Sprintf("embedded batch %d of %d", done, total))
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return apperr.Transient("embed", fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	r.progress(ctx, events.StageIndexing, 3, indexingPercent, "")
	name, err := o.readiness.EnsureIndexReady(ctx, r.tenantID)
	if err != nil {
		return err
	}

	// Retraining replaces whatever an earlier run stored for this item.
	if err := o.index.DeleteItem(ctx, name, r.tenantID, r.item.ID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:            vector.RecordID(r.tenantID, r.item.ID, c.SequenceIndex),
			Vector:        vectors[i],
			TenantID:      r.tenantID,
			LibraryItemID: r.item.ID,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
		}
	}
	return o.index.Upsert(ctx, name, records)
}

func (r *run) header() events.Header {
	return events.Header{JobID: r.jobID, TenantID: r.tenantID, Timestamp: r.o.now().UTC()}
}

func (r *run) progress(ctx context.Context, stage events.Stage, step int, percent float64, msg string) {
	r.publish(ctx, events.JobProgress{
		Header:      r.header(),
		Stage:       stage,
		CurrentStep: step,
		TotalSteps:  totalSteps,
		Percent:     percent,
		Message:     msg,
	})
}

func (r *run) complete(ctx context.Context) {
	elapsed := r.o.now().Sub(r.started)
	ms := (elapsed + time.Millisecond - 1).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	r.publish(context.WithoutCancel(ctx), events.JobCompleted{Header: r.header(), DurationMs: ms})
	slog.InfoContext(ctx, "ingestion completed", "library_item_id", r.item.ID, "duration_ms", ms)
}

func (r *run) fail(ctx context.Context, err error) {
	info := failureInfo(err)
	r.publish(context.WithoutCancel(ctx), events.JobFailed{Header: r.header(), Error: info})
	slog.ErrorContext(ctx, "ingestion failed", "library_item_id", r.item.ID, "error", err, "retryable", info.Retryable)
}

// publish is best effort. Delivery is at most once, so a lost event never
// aborts the run.
func (r *run) publish(ctx context.Context, e events.Event) {
	if err := r.o.pub.Publish(ctx, r.tenantID, e); err != nil {
		slog.WarnContext(ctx, "failed to publish job event", "type", e.Type(), "error", err)
	}
}

func failureInfo(err error) events.FailureInfo {
	return events.FailureInfo{
		Name:      string(apperr.KindOf(err)),
		Message:   apperr.Message(err),
		Retryable: apperr.Retryable(err),
	}
}

func contentTypeFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return extract.TypeFromName(path.Base(u.Path))
}

var _ Embedder = (*embedding.Batcher)(nil)
