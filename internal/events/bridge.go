package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const DefaultBridgeBuffer = 256

var ErrBridgeClosed = errors.New("subscription closed")

// Bridge couples one client connection to a tenant's event channel.
//
// Events are queued in a bounded buffer. When the buffer is full the oldest
// queued event is discarded so a slow client never stalls publishers and
// always converges on the most recent job state. Events that would move a
// job backwards are discarded as well.
type Bridge struct {
	tenantID string
	capacity int

	mu      sync.Mutex
	queue   []Event
	dropped int64
	guard   *orderGuard
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	unsub     Unsubscribe
	closeOnce sync.Once
}

// OpenBridge subscribes to tenantID. The subscription is live when it
// returns; nothing published earlier is replayed.
func OpenBridge(ctx context.Context, sub Subscriber, tenantID string, capacity int) (*Bridge, error) {
	if capacity <= 0 {
		capacity = DefaultBridgeBuffer
	}
	b := &Bridge{
		tenantID: tenantID,
		capacity: capacity,
		queue:    make([]Event, 0, capacity),
		guard:    newOrderGuard(1024),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	unsub, err := sub.Subscribe(ctx, tenantID, b.enqueue)
	if err != nil {
		return nil, err
	}
	b.unsub = unsub
	return b, nil
}

func (b *Bridge) enqueue(e Event) {
	b.mu.Lock()
	if b.closed || !b.guard.admit(e) {
		b.mu.Unlock()
		return
	}
	if len(b.queue) == b.capacity {
		copy(b.queue, b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
		b.dropped++
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done or the bridge is closed.
func (b *Bridge) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			e := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return e, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrBridgeClosed
		}

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run forwards events to send until ctx is done or send fails, then
// unsubscribes.
func (b *Bridge) Run(ctx context.Context, send func(Event) error) error {
	defer b.Close()
	for {
		e, err := b.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrBridgeClosed) {
				return nil
			}
			return err
		}
		if err := send(e); err != nil {
			return err
		}
	}
}

// Close unsubscribes and discards queued events. It is safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.unsub != nil {
			b.unsub()
		}
		b.mu.Lock()
		b.closed = true
		b.queue = nil
		dropped := b.dropped
		b.mu.Unlock()
		close(b.done)
		slog.Debug("subscription closed", "tenant_id", b.tenantID, "dropped", dropped)
	})
}

func (b *Bridge) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

type jobState struct {
	rank     int
	percent  float64
	terminal bool
}

// orderGuard rejects events that regress a job's stage or percent, and
// anything after a terminal event. It tracks at most limit jobs; the oldest
// is forgotten first, finished or not.
type orderGuard struct {
	jobs  map[string]jobState
	order []string
	limit int
}

func newOrderGuard(limit int) *orderGuard {
	return &orderGuard{jobs: make(map[string]jobState), limit: limit}
}

func (g *orderGuard) admit(e Event) bool {
	id := e.Meta().JobID
	prev, seen := g.jobs[id]
	if seen && prev.terminal {
		return false
	}

	next := jobState{rank: StageOf(e).Rank(), percent: prev.percent}
	switch ev := e.(type) {
	case JobStarted:
		if seen {
			return false
		}
	case JobProgress:
		if ev.Percent < prev.percent {
			return false
		}
		next.percent = ev.Percent
	case JobCompleted, JobFailed:
		next.terminal = true
	}
	if seen && next.rank < prev.rank {
		return false
	}

	g.jobs[id] = next
	if !seen {
		g.order = append(g.order, id)
		if len(g.order) > g.limit {
			delete(g.jobs, g.order[0])
			g.order = g.order[1:]
		}
	}
	return true
}
