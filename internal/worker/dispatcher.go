package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/middleware"
)

var ErrAlreadyRunning = errors.New("ingestion already running for this library item")

// Runner executes one ingestion and guarantees its terminal event.
type Runner interface {
	Run(ctx context.Context, jobID, tenantID string, item Item) error
	Abandon(ctx context.Context, jobID, tenantID string, item Item, cause error)
}

type DispatcherConfig struct {
	// MaxConcurrent bounds runs across all tenants.
	MaxConcurrent int64
	// MaxPerTenant bounds runs of a single tenant.
	MaxPerTenant int64
}

// Dispatcher starts ingestion runs in the background. Callers get a job id
// back immediately; runs beyond the concurrency limits wait their turn.
type Dispatcher struct {
	base   context.Context
	runner Runner
	sink   FailureSink
	cfg    DispatcherConfig
	global *semaphore.Weighted

	mu      sync.Mutex
	tenants map[string]*tenantSlot
	running map[string]string

	wg       sync.WaitGroup
	newJobID func(itemID string) string
}

type tenantSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewDispatcher binds runs to base; cancelling it aborts queued and running
// ingestions. sink may be nil.
func NewDispatcher(base context.Context, runner Runner, sink FailureSink, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxPerTenant <= 0 || cfg.MaxPerTenant > cfg.MaxConcurrent {
		cfg.MaxPerTenant = cfg.MaxConcurrent
	}
	return &Dispatcher{
		base:     base,
		runner:   runner,
		sink:     sink,
		cfg:      cfg,
		global:   semaphore.NewWeighted(cfg.MaxConcurrent),
		tenants:  make(map[string]*tenantSlot),
		running:  make(map[string]string),
		newJobID: NewJobID,
	}
}

// NewJobID derives a job id from the library item id.
func NewJobID(itemID string) string {
	return itemID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func runKey(tenantID, itemID string) string { return tenantID + "/" + itemID }

// Start schedules an ingestion and returns its job id without waiting for it.
func (d *Dispatcher) Start(ctx context.Context, tenantID string, item Item) (string, error) {
	switch {
	case strings.TrimSpace(tenantID) == "":
		return "", apperr.Validationf("start ingestion", "tenant id is required")
	case strings.TrimSpace(item.ID) == "":
		return "", apperr.Validationf("start ingestion", "library item id is required")
	case strings.TrimSpace(item.UploadLink) == "":
		return "", apperr.Validationf("start ingestion", "upload link is required")
	}

	key := runKey(tenantID, item.ID)

	d.mu.Lock()
	if jobID, ok := d.running[key]; ok {
		d.mu.Unlock()
		return jobID, fmt.Errorf("%w: job %s", ErrAlreadyRunning, jobID)
	}
	jobID := d.newJobID(item.ID)
	d.running[key] = jobID
	slot, ok := d.tenants[tenantID]
	if !ok {
		slot = &tenantSlot{sem: semaphore.NewWeighted(d.cfg.MaxPerTenant)}
		d.tenants[tenantID] = slot
	}
	slot.refs++
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx := middleware.WithCorrelationID(d.base, middleware.GetCorrelationID(ctx))
	runCtx = middleware.WithJob(runCtx, tenantID, jobID)

	slog.InfoContext(runCtx, "ingestion queued", "library_item_id", item.ID)
	go d.run(runCtx, slot, key, jobID, tenantID, item)
	return jobID, nil
}

func (d *Dispatcher) run(ctx context.Context, slot *tenantSlot, key, jobID, tenantID string, item Item) {
	defer d.wg.Done()
	defer d.release(key, tenantID)

	// Tenant slot first, so one busy tenant does not hold global slots
	// while it waits on itself.
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		d.abandon(ctx, jobID, tenantID, item, err)
		return
	}
	defer slot.sem.Release(1)
	if err := d.global.Acquire(ctx, 1); err != nil {
		d.abandon(ctx, jobID, tenantID, item, err)
		return
	}
	defer d.global.Release(1)

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				slog.ErrorContext(ctx, "ingestion runner panicked", "panic", p)
				err = fmt.Errorf("ingestion runner panicked: %v", p)
			}
		}()
		err = d.runner.Run(ctx, jobID, tenantID, item)
	}()
	if err != nil {
		d.recordFailure(ctx, jobID, tenantID, item, err)
	}
}

func (d *Dispatcher) abandon(ctx context.Context, jobID, tenantID string, item Item, cause error) {
	err := apperr.Transient("queue ingestion", cause)
	slog.WarnContext(ctx, "ingestion abandoned before start", "error", cause)
	d.runner.Abandon(ctx, jobID, tenantID, item, err)
	d.recordFailure(ctx, jobID, tenantID, item, err)
}

func (d *Dispatcher) recordFailure(ctx context.Context, jobID, tenantID string, item Item, err error) {
	if d.sink == nil {
		return
	}
	info := failureInfo(err)
	f := Failure{
		JobID:     jobID,
		TenantID:  tenantID,
		Item:      item,
		Name:      info.Name,
		Message:   info.Message,
		Retryable: info.Retryable,
	}
	if err := d.sink.RecordFailure(context.WithoutCancel(ctx), f); err != nil {
		slog.ErrorContext(ctx, "failed to record failed ingestion", "error", err)
	}
}

func (d *Dispatcher) release(key, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, key)
	if slot, ok := d.tenants[tenantID]; ok {
		slot.refs--
		if slot.refs == 0 {
			delete(d.tenants, tenantID)
		}
	}
}

// Active returns the number of running and queued ingestions.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every started ingestion has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
