package worker_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/worker"
)

// blockingRunner holds every run until its release channel is closed.
type blockingRunner struct {
	mu        sync.Mutex
	started   chan string
	release   map[string]chan struct{}
	results   map[string]error
	panics    map[string]bool
	abandoned []string
	running   int
	peak      int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: map[string]chan struct{}{},
		results: map[string]error{},
		panics:  map[string]bool{},
	}
}

func (r *blockingRunner) gate(itemID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.release[itemID]
	if !ok {
		ch = make(chan struct{})
		r.release[itemID] = ch
	}
	return ch
}

func (r *blockingRunner) Run(ctx context.Context, jobID, tenantID string, item worker.Item) error {
	r.mu.Lock()
	r.running++
	r.peak = max(r.peak, r.running)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	r.started <- item.ID
	select {
	case <-r.gate(item.ID):
	case <-ctx.Done():
		return apperr.Transient("run", ctx.Err())
	}

	r.mu.Lock()
	shouldPanic, err := r.panics[item.ID], r.results[item.ID]
	r.mu.Unlock()
	if shouldPanic {
		panic("boom")
	}
	return err
}

func (r *blockingRunner) Abandon(_ context.Context, jobID, _ string, _ worker.Item, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, jobID)
}

type sinkRecorder struct {
	mu       sync.Mutex
	failures []worker.Failure
}

func (s *sinkRecorder) RecordFailure(_ context.Context, f worker.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *sinkRecorder) all() []worker.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.Failure(nil), s.failures...)
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func assertNotStarted(t *testing.T, r *blockingRunner) {
	t.Helper()
	select {
	case id := <-r.started:
		t.Fatalf("run %s started past its limit", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func newItem(id string) worker.Item {
	return worker.Item{ID: id, Title: id, UploadLink: "s3://uploads/" + id + ".txt"}
}

func TestNewJobID(t *testing.T) {
	id := worker.NewJobID("doc-42")
	assert.Regexp(t, regexp.MustCompile(`^doc-42_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, worker.NewJobID("doc-42"))
}

func TestDispatcher_StartReturnsImmediately(t *testing.T) {
	r := newBlockingRunner()
	d := worker.NewDispatcher(context.Background(), r, nil, worker.DispatcherConfig{MaxConcurrent: 2})

	jobID, err := d.Start(context.Background(), "acme", newItem("doc-1"))
	require.NoError(t, err)
	assert.Contains(t, jobID, "doc-1_")
	assert.Equal(t, "doc-1", waitStarted(t, r))
	assert.Equal(t, 1, d.Active())

	close(r.gate("doc-1"))
	require.NoError(t, d.Wait(context.Background()))
	assert.Zero(t, d.Active())
}

func TestDispatcher_RejectsDuplicateRun(t *testing.T) {
	r := newBlockingRunner()
	d := worker.NewDispatcher(context.Background(), r, nil, worker.DispatcherConfig{})

	first, err := d.Start(context.Background(), "acme", newItem("doc-1"))
	require.NoError(t, err)

	again, err := d.Start(context.Background(), "acme", newItem("doc-1"))
	require.ErrorIs(t, err, worker.ErrAlreadyRunning)
	assert.Equal(t, first, again)

	_, err = d.Start(context.Background(), "globex", newItem("doc-1"))
	require.NoError(t, err, "same item id in another tenant is a different run")

	close(r.gate("doc-1"))
	require.NoError(t, d.Wait(context.Background()))

	_, err = d.Start(context.Background(), "acme", newItem("doc-1"))
	require.NoError(t, err, "finished runs can be retrained")
	require.NoError(t, d.Wait(context.Background()))
}

func TestDispatcher_Validation(t *testing.T) {
	d := worker.NewDispatcher(context.Background(), newBlockingRunner(), nil, worker.DispatcherConfig{})

	tests := []struct {
		name   string
		tenant string
		item   worker.Item
	}{
		{"missing tenant", "", newItem("doc")},
		{"missing item id", "acme", worker.Item{UploadLink: "s3://a/b.txt"}},
		{"missing link", "acme", worker.Item{ID: "doc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Start(context.Background(), tt.tenant, tt.item)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
	assert.Zero(t, d.Active())
}

func TestDispatcher_PerTenantLimit(t *testing.T) {
	r := newBlockingRunner()
	d := worker.NewDispatcher(context.Background(), r, nil, worker.DispatcherConfig{MaxConcurrent: 4, MaxPerTenant: 1})

	_, err := d.Start(context.Background(), "acme", newItem("a1"))
	require.NoError(t, err)
	_, err = d.Start(context.Background(), "acme", newItem("a2"))
	require.NoError(t, err)
	_, err = d.Start(context.Background(), "globex", newItem("g1"))
	require.NoError(t, err)

	got := map[string]bool{waitStarted(t, r): true, waitStarted(t, r): true}
	assert.True(t, got["g1"], "other tenants are not held back")
	assertNotStarted(t, r)
	assert.Equal(t, 3, d.Active())

	var first string
	if got["a1"] {
		first = "a1"
	} else {
		first = "a2"
	}
	close(r.gate(first))
	next := waitStarted(t, r)
	assert.NotEqual(t, first, next)

	close(r.gate(next))
	close(r.gate("g1"))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 2, r.peak)
}

func TestDispatcher_GlobalLimit(t *testing.T) {
	r := newBlockingRunner()
	d := worker.NewDispatcher(context.Background(), r, nil, worker.DispatcherConfig{MaxConcurrent: 1})

	for _, tenant := range []string{"acme", "globex"} {
		_, err := d.Start(context.Background(), tenant, newItem(tenant))
		require.NoError(t, err)
	}
	first := waitStarted(t, r)
	assertNotStarted(t, r)

	close(r.gate(first))
	second := waitStarted(t, r)
	close(r.gate(second))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 1, r.peak)
}

func TestDispatcher_RecordsFailures(t *testing.T) {
	r := newBlockingRunner()
	sink := &sinkRecorder{}
	d := worker.NewDispatcher(context.Background(), r, sink, worker.DispatcherConfig{})

	r.results["bad"] = apperr.Extraction("extract", errors.New("unsupported content type"))
	r.panics["crash"] = true
	close(r.gate("bad"))
	close(r.gate("crash"))
	close(r.gate("good"))

	for _, id := range []string{"bad", "crash", "good"} {
		_, err := d.Start(context.Background(), "acme", newItem(id))
		require.NoError(t, err)
	}
	require.NoError(t, d.Wait(context.Background()))

	failures := sink.all()
	require.Len(t, failures, 2)
	byItem := map[string]worker.Failure{}
	for _, f := range failures {
		byItem[f.Item.ID] = f
	}

	assert.Equal(t, "ExtractionError", byItem["bad"].Name)
	assert.False(t, byItem["bad"].Retryable)
	assert.Equal(t, "acme", byItem["bad"].TenantID)
	assert.Equal(t, "s3://uploads/bad.txt", byItem["bad"].Item.UploadLink)

	assert.Contains(t, byItem["crash"].Message, "panicked")
	assert.Zero(t, d.Active())
}

func TestDispatcher_ShutdownAbandonsQueuedRuns(t *testing.T) {
	r := newBlockingRunner()
	sink := &sinkRecorder{}
	base, cancel := context.WithCancel(context.Background())
	d := worker.NewDispatcher(base, r, sink, worker.DispatcherConfig{MaxConcurrent: 1})

	_, err := d.Start(context.Background(), "acme", newItem("running"))
	require.NoError(t, err)
	waitStarted(t, r)
	queued, err := d.Start(context.Background(), "acme", newItem("queued"))
	require.NoError(t, err)

	cancel()
	require.NoError(t, d.Wait(context.Background()))

	assert.Equal(t, []string{queued}, r.abandoned)
	failures := sink.all()
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.True(t, f.Retryable)
	}
}

func TestDispatcher_WaitHonoursContext(t *testing.T) {
	r := newBlockingRunner()
	d := worker.NewDispatcher(context.Background(), r, nil, worker.DispatcherConfig{})
	_, err := d.Start(context.Background(), "acme", newItem("slow"))
	require.NoError(t, err)
	waitStarted(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(r.gate("slow"))
	require.NoError(t, d.Wait(context.Background()))
}
