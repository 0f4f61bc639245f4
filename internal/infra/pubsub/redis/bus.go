// Package redis publishes change events over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

const defaultBuffer = 128

// Bus is a core.Publisher and core.Subscriber backed by Redis channels named
// after event topics.
type Bus struct {
	client *goredis.Client
	logger *slog.Logger
	buffer int
}

var (
	_ core.Publisher  = (*Bus)(nil)
	_ core.Subscriber = (*Bus)(nil)
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Buffer   int
}

// New dials lazily; the first command opens the connection.
func New(opts Options, logger *slog.Logger) *Bus {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Buffer, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, buffer int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{client: client, logger: logger, buffer: buffer}
}

// Ping checks connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *Bus) Close() error { return b.client.Close() }

// Publish implements core.Publisher.
func (b *Bus) Publish(ctx context.Context, event domain.EventEnvelope) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, event.Topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Topic, err)
	}
	return nil
}

// Subscribe implements core.Subscriber.
func (b *Bus) Subscribe(ctx context.Context, req domain.SubscribeRequest) (core.Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	topic := req.Topic()
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	sub := &subscription{
		bus:    b,
		topic:  topic,
		tenant: req.Tenant,
		ps:     ps,
		out:    make(chan domain.EventEnvelope, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.pump(ctx, ps.Channel())
	return sub, nil
}

type subscription struct {
	bus    *Bus
	topic  string
	tenant string
	ps     *goredis.PubSub
	out    chan domain.EventEnvelope
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.EventEnvelope { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) pump(ctx context.Context, in <-chan *goredis.Message) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.deliver(msg.Payload)
		}
	}
}

// deliver decodes payload and queues it without blocking.
func (s *subscription) deliver(payload string) {
	var event domain.EventEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.bus.logger.Warn("discarding undecodable event",
			"event", "redis_decode_failed",
			"module", "internal/infra/pubsub/redis",
			"layer", "infra",
			"topic", s.topic,
			"error", err,
		)
		return
	}
	if event.TenantID != s.tenant {
		s.bus.logger.Warn("discarding event of another tenant",
			"event", "redis_tenant_mismatch",
			"module", "internal/infra/pubsub/redis",
			"layer", "infra",
			"topic", s.topic,
			"event_id", event.ID,
		)
		return
	}
	select {
	case s.out <- event:
	default:
		s.bus.logger.Warn("dropping event for slow subscriber",
			"event", "redis_publish_drop",
			"module", "internal/infra/pubsub/redis",
			"layer", "infra",
			"topic", s.topic,
			"event_id", event.ID,
		)
	}
}
