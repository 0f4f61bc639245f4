package core

import (
	"context"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// DefaultPublishTimeout bounds a single event publication.
const DefaultPublishTimeout = 2 * time.Second

// Publisher delivers change notifications. Delivery is best effort; the
// service never fails a committed mutation because publishing failed.
type Publisher interface {
	Publish(ctx context.Context, event domain.EventEnvelope) error
}

// Subscription streams events for one topic until closed.
type Subscription interface {
	Events() <-chan domain.EventEnvelope
	Close() error
}

// Subscriber opens tenant-scoped subscriptions. Implementations reject a
// request whose asserted tenant differs from the authorized tenant.
type Subscriber interface {
	Subscribe(ctx context.Context, req domain.SubscribeRequest) (Subscription, error)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.EventEnvelope) error { return nil }

// publish sends event with a timeout, logging and counting failures instead of
// returning them.
func (s *Service) publish(ctx context.Context, event domain.EventEnvelope) {
	start := s.clock.Now()
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	err := s.publisher.Publish(pubCtx, event)
	s.metrics.Observe(ctx, "publish_event", err == nil, s.clock.Now().Sub(start))
	if err != nil {
		s.logger.Warn("event publish failed",
			"event", "publish_failed",
			"module", "internal/core",
			"layer", "events",
			"topic", event.Topic,
			"event_type", string(event.Type),
			"entity_id", event.EntityID,
			"error", err,
		)
	}
}
