package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives events for one tenant. It must not block.
type Handler func(Event)

type Unsubscribe func()

type Publisher interface {
	Publish(ctx context.Context, tenantID string, e Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string, h Handler) (Unsubscribe, error)
}

type Bus interface {
	Publisher
	Subscriber
}

// MemoryBus fans events out to in-process subscribers of the same tenant.
// Delivery is at-most-once: subscribers that join after a publish never see it.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, tenantID string, e Event) error {
	if tenantID == "" {
		return fmt.Errorf("publish %s: empty tenant id", e.Type())
	}
	if e.Meta().TenantID != tenantID {
		return fmt.Errorf("publish %s: event tenant %q does not match channel %q", e.Type(), e.Meta().TenantID, tenantID)
	}
	b.Deliver(ctx, tenantID, e)
	return nil
}

// Deliver hands e to the current subscribers of tenantID without validation.
// Transports that receive events from a broker use it for local fan-out.
func (b *MemoryBus) Deliver(ctx context.Context, tenantID string, e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[tenantID]))
	for _, h := range b.subs[tenantID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(ctx, h, e)
	}
}

func (b *MemoryBus) call(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event handler panicked", "type", e.Type(), "job_id", e.Meta().JobID, "panic", r)
		}
	}()
	h(e)
}

func (b *MemoryBus) Subscribe(_ context.Context, tenantID string, h Handler) (Unsubscribe, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("subscribe: empty tenant id")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[uint64]Handler)
	}
	b.subs[tenantID][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[tenantID], id)
			if len(b.subs[tenantID]) == 0 {
				delete(b.subs, tenantID)
			}
		})
	}, nil
}

// Subscribers counts live subscriptions across all tenants.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// HasSubscribers reports whether tenantID has at least one live subscription.
func (b *MemoryBus) HasSubscribers(tenantID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tenantID]) > 0
}
