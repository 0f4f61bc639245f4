// Package memory provides an in-process event hub.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 128

// Hub fans events out to subscribers of the event topic whose tenant matches
// the event's tenant. A subscriber whose queue is full misses the event;
// publishers never block.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

var (
	_ core.Publisher  = (*Hub)(nil)
	_ core.Subscriber = (*Hub)(nil)
)

// NewHub constructs a hub. buffer <= 0 uses DefaultBuffer.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer, logger: logger}
}

// Publish implements core.Publisher.
func (h *Hub) Publish(ctx context.Context, event domain.EventEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.Topic] {
		if event.TenantID != sub.tenant {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				"event", "hub_publish_drop",
				"module", "internal/infra/pubsub/memory",
				"layer", "infra",
				"topic", event.Topic,
				"event_id", event.ID,
			)
		}
	}
	return nil
}

// Subscribe implements core.Subscriber. The subscription ends when ctx is
// done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, req domain.SubscribeRequest) (core.Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	topic := req.Topic()
	sub := &subscription{hub: h, topic: topic, tenant: req.Tenant, ch: make(chan domain.EventEnvelope, h.buffer)}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

// Subscribers reports the live subscriber count of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sub.topic], sub)
	if len(h.subs[sub.topic]) == 0 {
		delete(h.subs, sub.topic)
	}
	close(sub.ch)
}

type subscription struct {
	hub    *Hub
	topic  string
	tenant string
	ch     chan domain.EventEnvelope
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.EventEnvelope { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	return nil
}
