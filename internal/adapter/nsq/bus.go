package nsq

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"lumina/backend/internal/apperr"
	"lumina/backend/internal/events"
)

const (
	DefaultTopicPrefix = "training_events."
	maxNameLen         = 64
	ephemeral          = "#ephemeral"
)

type Producer interface {
	Publish(topic string, body []byte) error
}

type Consumer interface {
	AddHandler(handler nsq.Handler)
	ConnectToNSQLookupd(addr string) error
	ConnectToNSQD(addr string) error
	Stop()
}

type ConsumerFactory func(topic, channel string) (Consumer, error)

type Config struct {
	TopicPrefix string
	Lookupd     string
	NSQD        string
}

// Bus publishes training events to one ephemeral NSQ topic per tenant, so
// nsqd never spools a tenant's events to disk. Each process reads a tenant's
// topic through its own ephemeral channel, opened while at least one local
// subscriber exists and fanned out in memory. Consumers connect to nsqd
// directly when NSQD is set; lookupd only finds a topic after it exists.
type Bus struct {
	producer    Producer
	newConsumer ConsumerFactory
	cfg         Config
	channel     string
	local       *events.MemoryBus

	mu        sync.Mutex
	consumers map[string]*tenantConsumer
}

type tenantConsumer struct {
	consumer Consumer
	refs     int
}

func NewBus(producer Producer, cfg Config, factory ConsumerFactory) *Bus {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if factory == nil {
		factory = DefaultConsumerFactory
	}
	return &Bus{
		producer:    producer,
		newConsumer: factory,
		cfg:         cfg,
		channel:     "bridge-" + uuid.New().String()[:8] + ephemeral,
		local:       events.NewMemoryBus(),
		consumers:   make(map[string]*tenantConsumer),
	}
}

// DefaultConsumerFactory reads one message at a time so a tenant's events
// arrive in publish order.
func DefaultConsumerFactory(topic, channel string) (Consumer, error) {
	cfg := nsq.NewConfig()
	cfg.MaxInFlight = 1
	c, err := nsq.NewConsumer(topic, channel, cfg)
	if err != nil {
		return nil, err
	}
	c.SetLogger(slogOutput{}, nsq.LogLevelWarning)
	return c, nil
}

var invalidTopicChars = regexp.MustCompile(`[^.a-zA-Z0-9_-]`)

// Topic returns the NSQ topic carrying tenantID's events.
func (b *Bus) Topic(tenantID string) string {
	const limit = maxNameLen - len(ephemeral)
	safe := invalidTopicChars.ReplaceAllString(tenantID, "_")
	name := b.cfg.TopicPrefix + safe
	if safe == tenantID && len(name) <= limit {
		return name + ephemeral
	}
	sum := sha1.Sum([]byte(tenantID))
	suffix := "_" + hex.EncodeToString(sum[:4])
	if keep := limit - len(suffix); len(name) > keep {
		name = name[:keep]
	}
	return name + suffix + ephemeral
}

func (b *Bus) Publish(ctx context.Context, tenantID string, e events.Event) error {
	if e.Meta().TenantID != tenantID {
		return fmt.Errorf("publish %s: event tenant %q does not match channel %q", e.Type(), e.Meta().TenantID, tenantID)
	}
	body, err := events.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.producer.Publish(b.Topic(tenantID), body); err != nil {
		slog.WarnContext(ctx, "failed to publish training event", "tenant_id", tenantID, "type", e.Type(), "error", err)
		return apperr.Transient("publish "+string(e.Type()), err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, tenantID string, h events.Handler) (events.Unsubscribe, error) {
	unsub, err := b.local.Subscribe(ctx, tenantID, h)
	if err != nil {
		return nil, err
	}
	if err := b.acquire(tenantID); err != nil {
		unsub()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			b.release(tenantID)
		})
	}, nil
}

func (b *Bus) acquire(tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tc, ok := b.consumers[tenantID]; ok {
		tc.refs++
		return nil
	}

	topic := b.Topic(tenantID)
	c, err := b.newConsumer(topic, b.channel)
	if err != nil {
		return apperr.Transient("subscribe "+topic, err)
	}
	c.AddHandler(&tenantHandler{tenantID: tenantID, local: b.local, since: time.Now()})

	if b.cfg.NSQD != "" {
		err = c.ConnectToNSQD(b.cfg.NSQD)
	} else {
		err = c.ConnectToNSQLookupd(b.cfg.Lookupd)
	}
	if err != nil {
		c.Stop()
		return apperr.Transient("subscribe "+topic, err)
	}

	b.consumers[tenantID] = &tenantConsumer{consumer: c, refs: 1}
	slog.Debug("tenant event consumer started", "tenant_id", tenantID, "topic", topic, "channel", b.channel)
	return nil
}

func (b *Bus) release(tenantID string) {
	b.mu.Lock()
	tc, ok := b.consumers[tenantID]
	if !ok {
		b.mu.Unlock()
		return
	}
	tc.refs--
	if tc.refs > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.consumers, tenantID)
	b.mu.Unlock()

	tc.consumer.Stop()
	slog.Debug("tenant event consumer stopped", "tenant_id", tenantID)
}

func (b *Bus) Subscribers() int { return b.local.Subscribers() }

// Stop closes every tenant consumer.
func (b *Bus) Stop() {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*tenantConsumer)
	b.mu.Unlock()

	for _, tc := range consumers {
		tc.consumer.Stop()
	}
}

type tenantHandler struct {
	tenantID string
	local    *events.MemoryBus
	// since is when the consumer opened. nsqd hands a new channel whatever
	// the topic buffered before it existed; those events are not delivered.
	since time.Time
}

// HandleMessage never asks NSQ to requeue; a malformed or stale event is
// dropped.
func (h *tenantHandler) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}
	ctx := context.Background()

	ev, err := events.Unmarshal(m.Body)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed training event", "tenant_id", h.tenantID, "error", err)
		return nil
	}
	if ev.Meta().TenantID != h.tenantID {
		slog.WarnContext(ctx, "dropping training event for another tenant", "tenant_id", h.tenantID, "event_tenant_id", ev.Meta().TenantID)
		return nil
	}
	if ev.Meta().Timestamp.Before(h.since) {
		slog.DebugContext(ctx, "dropping training event published before subscription", "tenant_id", h.tenantID, "job_id", ev.Meta().JobID, "type", ev.Type())
		return nil
	}
	h.local.Deliver(ctx, h.tenantID, ev)
	return nil
}

type slogOutput struct{}

func (slogOutput) Output(_ int, s string) error {
	slog.Warn("nsq", "message", s)
	return nil
}
