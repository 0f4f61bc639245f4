package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

var errReceiptTaken = errors.New("idempotency receipt taken by a concurrent request")

// Service coordinates every mutation: idempotency check, versioned write,
// audit entry and receipt in one transaction, then a best-effort event.
type Service struct {
	store     PersistentStore
	records   RecordStore
	audit     *AuditWriter
	guard     *Guard
	rules     *domain.RulesEngine
	publisher Publisher
	logger    Logger
	metrics   MetricsRecorder
	tracer    Tracer
	clock     Clock

	publishTimeout time.Duration
	idempotencyTTL time.Duration
	sensitive      []string
	recordKinds    []EntityKind
	models         map[EntityKind]entityModel
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPublisher injects the event publisher. The caller owns its lifecycle.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithRulesEngine installs transition guards.
func WithRulesEngine(e *domain.RulesEngine) Option {
	return func(s *Service) { s.rules = e }
}

// WithSensitiveFields adds field names redacted from audit entries and events.
func WithSensitiveFields(names ...string) Option {
	return func(s *Service) { s.sensitive = append(s.sensitive, names...) }
}

// WithIdempotencyTTL sets how long receipts stay valid. Zero keeps them forever.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Service) { s.idempotencyTTL = ttl }
}

// WithPublishTimeout bounds each event publication.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithRecordKinds replaces the loosely-typed kinds registered by default.
func WithRecordKinds(kinds ...EntityKind) Option {
	return func(s *Service) { s.recordKinds = append([]EntityKind(nil), kinds...) }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:          store,
		publisher:      noopPublisher{},
		logger:         noopLogger{},
		metrics:        noopMetricsRecorder{},
		tracer:         noopTracer{},
		clock:          systemClock{},
		publishTimeout: DefaultPublishTimeout,
		recordKinds:    DefaultRecordKinds,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.records = NewRecordStore(s.clock)
	s.audit = NewAuditWriter(s.clock, s.sensitive...)
	s.guard = NewGuard(store, s.clock, s.idempotencyTTL)
	s.models = make(map[EntityKind]entityModel)
	for _, m := range typedModels() {
		s.models[m.kind()] = m
	}
	for _, kind := range s.recordKinds {
		if _, taken := s.models[kind]; taken {
			continue
		}
		s.models[kind] = NewRecordModel(kind)
	}
	return s
}

// Store returns the underlying persistence backend.
func (s *Service) Store() PersistentStore { return s.store }

// Guard returns the idempotency guard.
func (s *Service) Guard() *Guard { return s.guard }

// Migrate creates the tables backing every registered kind.
func (s *Service) Migrate(ctx context.Context) error {
	tables := make([]domain.TableSpec, 0, len(s.models))
	for _, kind := range s.Kinds() {
		tables = append(tables, s.models[kind].table())
	}
	if err := s.store.EnsureTables(ctx, tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Kinds lists registered kinds in lexical order.
func (s *Service) Kinds() []EntityKind {
	out := make([]EntityKind, 0, len(s.models))
	for k := range s.models {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasKind reports whether kind is registered.
func (s *Service) HasKind(kind EntityKind) bool {
	_, ok := s.models[kind]
	return ok
}

// Transitions returns the status graph of kind, if it has one.
func (s *Service) Transitions(kind EntityKind) (*domain.TransitionTable, bool) {
	m, ok := s.models[kind]
	if !ok || m.transitions() == nil {
		return nil, false
	}
	return m.transitions(), true
}

func (s *Service) model(kind EntityKind) (entityModel, error) {
	m, ok := s.models[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity kind %s", domain.ErrNotFound, kind)
	}
	return m, nil
}

// Meta carries the per-request context every mutation needs. TenantID and
// Actor come from verified credentials, never from the request body.
type Meta struct {
	TenantID       string
	Actor          string
	IdempotencyKey string
	CorrelationID  string
}

// CreateRequest creates one entity.
type CreateRequest struct {
	Meta
	Kind   EntityKind
	Fields map[string]any
}

// UpdateRequest patches fields of one entity at an expected version.
type UpdateRequest struct {
	Meta
	Kind            EntityKind
	ID              string
	ExpectedVersion int64
	Fields          map[string]any
}

// TransitionRequest moves one entity to a new status at an expected version.
type TransitionRequest struct {
	Meta
	Kind            EntityKind
	ID              string
	ExpectedVersion int64
	Target          Status
	Reason          string
}

// DeleteRequest soft-deletes one entity.
type DeleteRequest struct {
	Meta
	Kind EntityKind
	ID   string
}

// MutationResult is the response of a mutation. Body holds the exact bytes
// stored for idempotent replay.
type MutationResult struct {
	Entity   map[string]any
	Body     []byte
	Replayed bool
}

type applied struct {
	row     Row
	action  domain.Action
	changed []string
	reason  string
}

type mutation struct {
	op      string
	meta    Meta
	model   entityModel
	id      string
	request any
	apply   func(ctx context.Context, tx Transaction) (applied, error)
}

// Create persists a new entity in its initial status.
func (s *Service) Create(ctx context.Context, req CreateRequest) (MutationResult, error) {
	m, err := s.model(req.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	return s.mutate(ctx, mutation{
		op:      "create",
		meta:    req.Meta,
		model:   m,
		request: map[string]any{"fields": req.Fields},
		apply: func(_ context.Context, tx Transaction) (applied, error) {
			values, changed, err := m.prepare(req.Fields)
			if err != nil {
				return applied{}, err
			}
			row, err := s.records.Create(tx, m.table(), req.TenantID, values)
			if err != nil {
				return applied{}, err
			}
			return applied{row: row, action: domain.ActionCreate, changed: changed}, nil
		},
	})
}

// Update applies a field patch when ExpectedVersion matches the stored version.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (MutationResult, error) {
	m, err := s.model(req.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	return s.mutate(ctx, mutation{
		op:      "update",
		meta:    req.Meta,
		model:   m,
		id:      req.ID,
		request: map[string]any{"version": req.ExpectedVersion, "fields": req.Fields},
		apply: func(_ context.Context, tx Transaction) (applied, error) {
			current, err := s.current(tx, m, req.TenantID, req.ID, req.ExpectedVersion)
			if err != nil {
				return applied{}, err
			}
			values, changed, err := m.merge(current.Values, req.Fields)
			if err != nil {
				return applied{}, err
			}
			if target, ok := m.autoAdvance(values, changed); ok {
				values[statusColumn] = string(target)
				changed = append(changed, statusColumn)
				sort.Strings(changed)
			}
			row, err := s.write(tx, m, current, req.ExpectedVersion, values)
			if err != nil {
				return applied{}, err
			}
			return applied{row: row, action: domain.ActionUpdate, changed: changed}, nil
		},
	})
}

// Transition validates the status change against the kind's graph and
// guards, then writes it at ExpectedVersion.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (MutationResult, error) {
	m, err := s.model(req.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	table := m.transitions()
	if table == nil {
		return MutationResult{}, domain.InvalidInput("%s has no status lifecycle", req.Kind)
	}
	return s.mutate(ctx, mutation{
		op:      "transition",
		meta:    req.Meta,
		model:   m,
		id:      req.ID,
		request: map[string]any{"version": req.ExpectedVersion, "target_status": req.Target, "reason": req.Reason},
		apply: func(ctx context.Context, tx Transaction) (applied, error) {
			current, err := s.current(tx, m, req.TenantID, req.ID, req.ExpectedVersion)
			if err != nil {
				return applied{}, err
			}
			from, _ := current.Values[statusColumn].(string)
			if err := table.Check(Status(from), req.Target); err != nil {
				return applied{}, err
			}
			err = s.rules.Evaluate(ctx, domain.TransitionRequest{
				TenantID: req.TenantID,
				Kind:     req.Kind,
				ID:       req.ID,
				From:     Status(from),
				To:       req.Target,
				Reason:   req.Reason,
				Values:   domain.CloneValues(current.Values),
			})
			if err != nil {
				return applied{}, err
			}
			values := domain.CloneValues(current.Values)
			values[statusColumn] = string(req.Target)
			row, err := s.write(tx, m, current, req.ExpectedVersion, values)
			if err != nil {
				return applied{}, err
			}
			return applied{row: row, action: domain.ActionTransition, changed: []string{statusColumn}, reason: req.Reason}, nil
		},
	})
}

// Delete soft-deletes an entity. Deleting an already deleted entity reports
// NotFound and writes nothing.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (MutationResult, error) {
	m, err := s.model(req.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	return s.mutate(ctx, mutation{
		op:      "delete",
		meta:    req.Meta,
		model:   m,
		id:      req.ID,
		request: map[string]any{},
		apply: func(_ context.Context, tx Transaction) (applied, error) {
			current, err := s.records.Get(tx, m.table(), req.TenantID, req.ID)
			if err != nil {
				return applied{}, err
			}
			at := s.clock.Now().UTC()
			ok, err := s.records.SoftDeleteAt(tx, m.table(), req.TenantID, req.ID, at)
			if err != nil {
				return applied{}, err
			}
			if !ok {
				return applied{}, domain.NotFound(m.kind(), req.ID)
			}
			current.DeletedAt = &at
			return applied{row: current, action: domain.ActionDelete}, nil
		},
	})
}

// current loads the live row and rejects a stale expected version before any
// merge work happens.
func (s *Service) current(tx Transaction, m entityModel, tenantID, id string, expected int64) (Row, error) {
	row, err := s.records.Get(tx, m.table(), tenantID, id)
	if err != nil {
		return Row{}, err
	}
	if row.Version != expected {
		return Row{}, &domain.VersionConflictError{
			Kind:            m.kind(),
			ID:              id,
			ExpectedVersion: expected,
			CurrentVersion:  row.Version,
			UpdatedAt:       row.UpdatedAt,
		}
	}
	return row, nil
}

func (s *Service) write(tx Transaction, m entityModel, current Row, expected int64, values map[string]any) (Row, error) {
	row, err := s.records.Update(tx, m.table(), current.TenantID, current.ID, expected, values)
	if err != nil {
		return Row{}, s.records.Resolve(tx, m.table(), current.TenantID, current.ID, expected, err)
	}
	row.CreatedAt = current.CreatedAt
	return row, nil
}

func (s *Service) mutate(ctx context.Context, m mutation) (res MutationResult, err error) {
	op := m.op + "_" + string(m.model.kind())
	// An abandoned caller must not abort a mutation half way.
	ctx = context.WithoutCancel(ctx)
	ctx, finish := s.instrument(ctx, op)
	defer func() {
		finish(err)
		s.logOutcome(op, m, res, err)
	}()

	if m.meta.TenantID == "" {
		return MutationResult{}, domain.ErrTenantScopeMissing
	}
	key, err := NormalizeKey(m.meta.IdempotencyKey)
	if err != nil {
		return MutationResult{}, err
	}
	var route, hash string
	if key != "" {
		route = RouteKey(m.op, m.model.kind(), m.id)
		if hash, err = Hash(m.request); err != nil {
			return MutationResult{}, err
		}
		body, found, err := s.guard.Check(ctx, m.meta.TenantID, key, route, hash)
		if err != nil {
			return MutationResult{}, err
		}
		if found {
			return replay(body)
		}
	}
	correlationID := m.meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var (
		done  applied
		entry domain.AuditLogEntry
		body  []byte
	)
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		a, err := m.apply(ctx, tx)
		if err != nil {
			return err
		}
		if body, err = json.Marshal(m.model.render(a.row)); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		entry, err = s.audit.Log(tx, AuditEvent{
			TenantID:      m.meta.TenantID,
			Actor:         m.meta.Actor,
			Action:        a.action,
			Kind:          m.model.kind(),
			EntityID:      a.row.ID,
			ChangedFields: a.changed,
			CorrelationID: correlationID,
			Version:       a.row.Version,
		}, m.model.sensitiveFields()...)
		if err != nil {
			return fmt.Errorf("write audit: %w", err)
		}
		if key != "" {
			saved, err := s.guard.Save(tx, m.meta.TenantID, key, route, hash, body)
			if err != nil {
				return fmt.Errorf("save receipt: %w", err)
			}
			if !saved {
				return errReceiptTaken
			}
		}
		done = a
		return nil
	})
	if errors.Is(err, errReceiptTaken) {
		prior, found, checkErr := s.guard.Check(ctx, m.meta.TenantID, key, route, hash)
		if checkErr != nil {
			return MutationResult{}, checkErr
		}
		if !found {
			return MutationResult{}, domain.ErrIdempotencyConflict
		}
		return replay(prior)
	}
	if err != nil {
		return MutationResult{}, err
	}

	res, err = decodeResult(body)
	if err != nil {
		return MutationResult{}, err
	}
	s.publish(ctx, s.envelope(m, done, entry, res.Entity))
	return res, nil
}

func replay(body []byte) (MutationResult, error) {
	res, err := decodeResult(body)
	if err != nil {
		return MutationResult{}, err
	}
	res.Replayed = true
	return res, nil
}

func decodeResult(body []byte) (MutationResult, error) {
	var entity map[string]any
	if err := json.Unmarshal(body, &entity); err != nil {
		return MutationResult{}, fmt.Errorf("decode response: %w", err)
	}
	return MutationResult{Entity: entity, Body: body}, nil
}

func (s *Service) envelope(m mutation, a applied, entry domain.AuditLogEntry, entity map[string]any) domain.EventEnvelope {
	redacted := make(map[string]any, len(entity))
	kindSensitive := make(map[string]struct{})
	for _, n := range m.model.sensitiveFields() {
		kindSensitive[n] = struct{}{}
	}
	for k, v := range entity {
		_, hit := kindSensitive[k]
		if v != nil && (hit || s.audit.Sensitive(k)) {
			redacted[k] = domain.RedactedMarker
			continue
		}
		redacted[k] = v
	}
	payload := map[string]any{
		"entity":         redacted,
		"changed_fields": entry.ChangedFields,
	}
	if a.reason != "" {
		payload["reason"] = a.reason
	}
	return domain.EventEnvelope{
		ID:            uuid.NewString(),
		Topic:         domain.Topic(m.meta.TenantID, m.model.kind()),
		TenantID:      m.meta.TenantID,
		EntityKind:    m.model.kind(),
		EntityID:      a.row.ID,
		Type:          domain.EventTypeFor(m.model.kind(), a.action),
		Version:       a.row.Version,
		Payload:       payload,
		CorrelationID: entry.CorrelationID,
		OccurredAt:    entry.OccurredAt,
	}
}

// Get returns the live entity owned by tenantID.
func (s *Service) Get(ctx context.Context, tenantID string, kind EntityKind, id string) (entity map[string]any, err error) {
	ctx, finish := s.instrument(ctx, "get_"+string(kind))
	defer func() { finish(err) }()
	m, err := s.model(kind)
	if err != nil {
		return nil, err
	}
	err = s.store.View(ctx, func(v TransactionView) error {
		row, err := s.records.Get(v, m.table(), tenantID, id)
		if err != nil {
			return err
		}
		entity = m.render(row)
		return nil
	})
	return entity, err
}

// List returns live entities of tenantID, newest first.
func (s *Service) List(ctx context.Context, tenantID string, kind EntityKind, page Page) (entities []map[string]any, err error) {
	ctx, finish := s.instrument(ctx, "list_"+string(kind))
	defer func() { finish(err) }()
	m, err := s.model(kind)
	if err != nil {
		return nil, err
	}
	err = s.store.View(ctx, func(v TransactionView) error {
		rows, err := s.records.List(v, m.table(), tenantID, page)
		if err != nil {
			return err
		}
		entities = make([]map[string]any, len(rows))
		for i, row := range rows {
			entities[i] = m.render(row)
		}
		return nil
	})
	return entities, err
}

// AuditTrail lists audit entries of tenantID in chronological order.
func (s *Service) AuditTrail(ctx context.Context, tenantID string, filter domain.AuditFilter) (entries []domain.AuditLogEntry, err error) {
	ctx, finish := s.instrument(ctx, "list_audit")
	defer func() { finish(err) }()
	if tenantID == "" {
		return nil, domain.ErrTenantScopeMissing
	}
	err = s.store.View(ctx, func(v TransactionView) error {
		var err error
		entries, err = v.ListAudit(tenantID, filter)
		return err
	})
	return entries, err
}

// PurgeExpiredReceipts removes idempotency receipts past their TTL.
func (s *Service) PurgeExpiredReceipts(ctx context.Context) (n int64, err error) {
	ctx, finish := s.instrument(ctx, "purge_receipts")
	defer func() { finish(err) }()
	return s.guard.PurgeExpired(ctx)
}

func (s *Service) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	return ctx, func(err error) {
		span.End(err)
		s.metrics.Observe(ctx, op, err == nil, s.clock.Now().Sub(start))
	}
}

func (s *Service) logOutcome(op string, m mutation, res MutationResult, err error) {
	attrs := []any{
		"module", "internal/core",
		"layer", "service",
		"operation", op,
		"tenant_id", m.meta.TenantID,
	}
	if id, ok := res.Entity["id"].(string); ok {
		attrs = append(attrs, "entity_id", id)
	} else if m.id != "" {
		attrs = append(attrs, "entity_id", m.id)
	}
	switch {
	case err == nil:
		s.logger.Debug("mutation committed", append(attrs, "event", "mutation_committed", "replayed", res.Replayed)...)
	case expectedError(err):
		s.logger.Info("mutation rejected", append(attrs, "event", "mutation_rejected", "error", err)...)
	default:
		s.logger.Error("mutation failed", append(attrs, "event", "mutation_failed", "error", err)...)
	}
}

// expectedError reports whether err belongs to the client-facing taxonomy.
func expectedError(err error) bool {
	for _, target := range []error{
		domain.ErrTenantScopeMissing, domain.ErrNotFound, domain.ErrVersionConflict,
		domain.ErrInvalidTransition, domain.ErrIdempotencyConflict, domain.ErrPolicyViolation,
		domain.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
