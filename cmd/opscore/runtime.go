package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/config"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/pubsub/memory"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/pubsub/redis"
)

// runtime holds the wired dependencies shared by every command.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      core.PersistentStore
	svc        *core.Service
	registry   *prometheus.Registry
	subscriber core.Subscriber
	closers    []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
}

// openPublisher returns the configured event channel. Both values are nil
// for the "none" driver.
func openPublisher(ctx context.Context, cfg config.PublisherConfig, logger *slog.Logger) (core.Publisher, core.Subscriber, func() error, error) {
	switch cfg.Driver {
	case config.PublisherMemory:
		hub := memory.NewHub(logger, cfg.Buffer)
		return hub, hub, nil, nil
	case config.PublisherRedis:
		bus := redis.New(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Buffer:   cfg.Buffer,
		}, logger)
		if err := bus.Ping(ctx); err != nil {
			// Publishing is best effort; the service keeps running without it.
			logger.Warn("redis unreachable at startup",
				"event", "redis_ping_failed",
				"module", "cmd/opscore",
				"layer", "cli",
				"addr", cfg.Redis.Addr,
				"error", err,
			)
		}
		return bus, bus, bus.Close, nil
	case config.PublisherNone, "":
		return nil, nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown publisher driver %s", cfg.Driver)
	}
}

// openRuntime loads configuration and wires the service. withPublisher is
// false for one-shot administrative commands.
func openRuntime(ctx context.Context, configPath string, logOut io.Writer, withPublisher bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	recorder, err := core.NewPrometheusMetricsRecorder(rt.registry)
	if err != nil {
		return nil, err
	}
	rules, err := core.DefaultRules()
	if err != nil {
		return nil, fmt.Errorf("compile policy rules: %w", err)
	}
	store, err := core.OpenPersistentStore(ctx, cfg.CoreStorage())
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(recorder),
		core.WithTracer(core.NewOTelTracer(nil)),
		core.WithRulesEngine(rules),
		core.WithIdempotencyTTL(cfg.Idempotency.TTL),
		core.WithPublishTimeout(cfg.Publisher.Timeout),
		core.WithSensitiveFields(cfg.Sensitive...),
	}
	if kinds := cfg.Kinds(); len(kinds) > 0 {
		opts = append(opts, core.WithRecordKinds(kinds...))
	}
	if withPublisher {
		pub, sub, closePub, err := openPublisher(ctx, cfg.Publisher, logger)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		if pub != nil {
			opts = append(opts, core.WithPublisher(pub))
		}
		rt.subscriber = sub
		if closePub != nil {
			rt.closers = append(rt.closers, closePub)
		}
	}
	rt.svc = core.NewService(store, opts...)
	if err := rt.svc.Migrate(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
