package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lumina/backend/internal/apperr"
)

const DefaultBatchSize = 100

// Client embeds a single request worth of texts.
type Client interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	BatchSize     int
	Concurrency   int
	RatePerSecond float64
	Dimension     int
}

// ProgressFunc is called after each sub-batch with the number finished so far.
type ProgressFunc func(done, total int)

// Batcher splits large inputs into provider-sized requests and reassembles
// the vectors in input order.
type Batcher struct {
	client  Client
	cfg     Config
	limiter *rate.Limiter
}

func NewBatcher(client Client, cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)
	}
	return &Batcher{client: client, cfg: cfg, limiter: limiter}
}

// EmbedBatch returns one vector per text. Any failed sub-batch fails the call
// with a retryable error, including a response of the wrong shape.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string, progress ProgressFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	total := (len(texts) + b.cfg.BatchSize - 1) / b.cfg.BatchSize
	out := make([][]float32, len(texts))

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i := 0; i < total; i++ {
		start := i * b.cfg.BatchSize
		end := min(start+b.cfg.BatchSize, len(texts))
		batch := i
		g.Go(func() error {
			if err := b.limiter.Wait(gctx); err != nil {
				return apperr.Transient(fmt.Sprintf("embed batch %d", batch), err)
			}

			vecs, err := b.client.EmbedTexts(gctx, texts[start:end])
			if err != nil {
				slog.WarnContext(gctx, "embedding sub-batch failed", "batch", batch, "size", end-start, "error", err)
				return apperr.Transient(fmt.Sprintf("embed batch %d", batch), err)
			}
			if len(vecs) != end-start {
				return apperr.Transient(fmt.Sprintf("embed batch %d", batch),
					fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), end-start))
			}
			for j, v := range vecs {
				if b.cfg.Dimension > 0 && len(v) != b.cfg.Dimension {
					return apperr.Transient(fmt.Sprintf("embed batch %d", batch),
						fmt.Errorf("vector %d has dimension %d, want %d", start+j, len(v), b.cfg.Dimension))
				}
			}
			copy(out[start:end], vecs)

			mu.Lock()
			done++
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if b.cfg.Dimension == 0 {
		dim := len(out[0])
		for i, v := range out {
			if len(v) != dim {
				return nil, apperr.Transient("embed", fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim))
			}
		}
	}
	return out, nil
}
