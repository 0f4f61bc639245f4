package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/persistence/memory"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

// stepClock advances by one millisecond on every read so timestamps are
// strictly ordered within a test.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.EventEnvelope
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, event domain.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Events() []domain.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.EventEnvelope(nil), p.events...)
}

type logRecord struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) has(level, event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.level != level {
			continue
		}
		for i := 0; i+1 < len(r.args); i += 2 {
			if r.args[i] == "event" && r.args[i+1] == event {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
	c.mu.Unlock()
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu      sync.Mutex
	started []string
	ended   []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	c.started = append(c.started, op)
	c.mu.Unlock()
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
	s.tracer.mu.Unlock()
}

type harness struct {
	svc       *Service
	store     *memory.Store
	clock     *stepClock
	publisher *capturePublisher
	logger    *captureLogger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		clock:     newStepClock(),
		publisher: &capturePublisher{},
		logger:    &captureLogger{},
	}
	base := []Option{WithClock(h.clock), WithPublisher(h.publisher), WithLogger(h.logger), WithIdempotencyTTL(24 * time.Hour)}
	h.svc = NewService(h.store, append(base, opts...)...)
	if err := h.svc.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, tenant string, kind EntityKind, fields map[string]any) map[string]any {
	t.Helper()
	res, err := h.svc.Create(context.Background(), CreateRequest{
		Meta:   Meta{TenantID: tenant, Actor: "user-1"},
		Kind:   kind,
		Fields: fields,
	})
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return res.Entity
}

func (h *harness) audit(t *testing.T, tenant string) []domain.AuditLogEntry {
	t.Helper()
	entries, err := h.svc.AuditTrail(context.Background(), tenant, domain.AuditFilter{})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	return entries
}

func entityID(t *testing.T, entity map[string]any) string {
	t.Helper()
	id, ok := entity["id"].(string)
	if !ok || id == "" {
		t.Fatalf("entity without id: %v", entity)
	}
	return id
}

// versionOf reads the version of a decoded entity, where JSON numbers are float64.
func versionOf(t *testing.T, entity map[string]any) int64 {
	t.Helper()
	switch v := entity["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		t.Fatalf("unexpected version %T in %v", entity["version"], entity)
		return 0
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func must[T any](t *testing.T, v T, err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

var errBrokerDown = fmt.Errorf("broker unavailable")
