package vector

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/cache"
)

const cacheKeyPrefix = "vector_index_exists:"

func CacheKey(indexName string) string { return cacheKeyPrefix + indexName }

// Readiness makes sure a tenant's index exists before the first write.
//
// The cache only short-circuits the hot path; the store stays the source of
// truth, so a flushed cache costs one existence check. Concurrent creators in
// other processes are tolerated through the store's conflict response, and
// callers within this process share a single provisioning attempt per index.
type Readiness struct {
	index     Index
	cache     cache.Store
	dimension int
	metric    Metric
	group     singleflight.Group
}

func NewReadiness(index Index, c cache.Store, dimension int, metric Metric) *Readiness {
	if metric == "" {
		metric = MetricCosine
	}
	return &Readiness{index: index, cache: c, dimension: dimension, metric: metric}
}

// EnsureIndexReady returns the name of the tenant's index once it exists.
// Failures are transient and safe to retry.
func (r *Readiness) EnsureIndexReady(ctx context.Context, tenantID string) (string, error) {
	name := r.index.IndexName(tenantID)

	v, ok, err := r.cache.Get(ctx, CacheKey(name))
	switch {
	case err != nil:
		slog.WarnContext(ctx, "readiness cache read failed", "index", name, "error", err)
	case ok && v == "true":
		return name, nil
	}

	// Provisioning outlives any one caller; each caller stops waiting on
	// its own context.
	ch := r.group.DoChan(name, func() (any, error) {
		return nil, r.provision(context.WithoutCancel(ctx), name)
	})
	select {
	case res := <-ch:
		if res.Shared {
			slog.DebugContext(ctx, "joined in-flight index provisioning", "index", name)
		}
		return name, res.Err
	case <-ctx.Done():
		return name, apperr.Transient("ensure index "+name, ctx.Err())
	}
}

func (r *Readiness) provision(ctx context.Context, name string) error {
	exists, err := r.index.Exists(ctx, name)
	if err != nil {
		slog.WarnContext(ctx, "index existence check failed, attempting create", "index", name, "error", err)
	} else if exists {
		r.markReady(ctx, name)
		return nil
	}

	createErr := r.index.Create(ctx, Spec{Name: name, Dimension: r.dimension, Metric: r.metric})
	if createErr == nil {
		slog.InfoContext(ctx, "vector index created", "index", name, "dimension", r.dimension, "metric", r.metric)
		r.markReady(ctx, name)
		return nil
	}
	if apperr.Is(createErr, apperr.KindConflict) {
		slog.InfoContext(ctx, "vector index created concurrently", "index", name)
		r.markReady(ctx, name)
		return nil
	}

	slog.WarnContext(ctx, "vector index create failed", "index", name, "error", createErr)
	if exists, err := r.index.Exists(ctx, name); err == nil && exists {
		slog.WarnContext(ctx, "continuing with existing index after create failure", "index", name)
		r.markReady(ctx, name)
		return nil
	}
	return apperr.Transient("ensure index "+name, createErr)
}

func (r *Readiness) markReady(ctx context.Context, name string) {
	if _, err := r.cache.SetIfAbsent(ctx, CacheKey(name), "true"); err != nil {
		slog.WarnContext(ctx, "readiness cache write failed", "index", name, "error", err)
	}
}
