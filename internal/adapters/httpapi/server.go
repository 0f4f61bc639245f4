// Package httpapi exposes the mutation core over HTTP.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/auditexport"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// Request and response headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderCorrelationID  = "X-Correlation-ID"
)

const maxBodyBytes = 1 << 20

// Server routes API requests to the service.
type Server struct {
	svc        *core.Service
	auth       *Authenticator
	subscriber core.Subscriber
	exporter   *auditexport.Exporter
	metrics    http.Handler
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSubscriber enables the /v1/stream endpoint.
func WithSubscriber(sub core.Subscriber) Option {
	return func(s *Server) { s.subscriber = sub }
}

// WithExporter enables the audit archive endpoints.
func WithExporter(e *auditexport.Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a server. A nil authenticator rejects every /v1 request.
func New(svc *core.Service, auth *Authenticator, opts ...Option) *Server {
	s := &Server{svc: svc, auth: auth, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/audit", s.handleAudit)
	api.HandleFunc("POST /v1/audit/exports", s.handleExportCreate)
	api.HandleFunc("GET /v1/audit/exports/{id}", s.handleExportGet)
	api.HandleFunc("GET /v1/audit/archives", s.handleArchives)
	api.HandleFunc("GET /v1/stream", s.handleStream)
	api.HandleFunc("POST /v1/{kind}", s.handleCreate)
	api.HandleFunc("GET /v1/{kind}", s.handleList)
	api.HandleFunc("GET /v1/{kind}/{id}", s.handleGet)
	api.HandleFunc("PATCH /v1/{kind}/{id}", s.handleUpdate)
	api.HandleFunc("DELETE /v1/{kind}/{id}", s.handleDelete)
	api.HandleFunc("POST /v1/{kind}/{id}/transition", s.handleTransition)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.Handle("/v1/", s.auth.Middleware(api))
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request served",
			"event", "http_request",
			"module", "internal/adapters/httpapi",
			"layer", "adapter",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// fail writes err, logging anything that maps to a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := classify(err); status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"event", "http_internal_error",
			"module", "internal/adapters/httpapi",
			"layer", "adapter",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, err)
}

func meta(r *http.Request) core.Meta {
	p, _ := PrincipalFrom(r.Context())
	return core.Meta{
		TenantID:       p.TenantID,
		Actor:          p.Actor,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		CorrelationID:  r.Header.Get(HeaderCorrelationID),
	}
}

func tenant(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.TenantID
}

// decodeObject reads a JSON object body. An empty body yields a nil map.
func decodeObject(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, domain.InvalidInput("request body must be a JSON object: %v", err)
	}
	return body, nil
}

// expectedVersion removes and parses the "version" member of body.
func expectedVersion(body map[string]any) (int64, error) {
	raw, ok := body["version"]
	if !ok {
		return 0, domain.InvalidInput("version is required")
	}
	delete(body, "version")
	n, ok := raw.(json.Number)
	if !ok {
		return 0, domain.InvalidInput("version must be an integer")
	}
	v, err := n.Int64()
	if err != nil || v < 1 {
		return 0, domain.InvalidInput("version must be a positive integer")
	}
	return v, nil
}

func pageFrom(r *http.Request) (core.Page, error) {
	q := r.URL.Query()
	var page core.Page
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return core.Page{}, domain.InvalidInput("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	if page.Limit > domain.MaxPageLimit {
		page.Limit = domain.MaxPageLimit
	}
	return page, nil
}

func writeMutation(w http.ResponseWriter, status int, res core.MutationResult) {
	if res.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeRaw(w, status, res.Body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeObject(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Create(r.Context(), core.CreateRequest{
		Meta:   meta(r),
		Kind:   core.EntityKind(r.PathValue("kind")),
		Fields: fields,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMutation(w, http.StatusCreated, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := expectedVersion(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Update(r.Context(), core.UpdateRequest{
		Meta:            meta(r),
		Kind:            core.EntityKind(r.PathValue("kind")),
		ID:              r.PathValue("id"),
		ExpectedVersion: version,
		Fields:          body,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMutation(w, http.StatusOK, res)
}

type transitionBody struct {
	Version      int64  `json:"version"`
	TargetStatus string `json:"target_status"`
	Reason       string `json:"reason"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.fail(w, r, domain.InvalidInput("invalid transition payload: %v", err))
		return
	}
	if body.Version < 1 {
		s.fail(w, r, domain.InvalidInput("version must be a positive integer"))
		return
	}
	if body.TargetStatus == "" {
		s.fail(w, r, domain.InvalidInput("target_status is required"))
		return
	}
	res, err := s.svc.Transition(r.Context(), core.TransitionRequest{
		Meta:            meta(r),
		Kind:            core.EntityKind(r.PathValue("kind")),
		ID:              r.PathValue("id"),
		ExpectedVersion: body.Version,
		Target:          core.Status(body.TargetStatus),
		Reason:          body.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMutation(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Delete(r.Context(), core.DeleteRequest{
		Meta: meta(r),
		Kind: core.EntityKind(r.PathValue("kind")),
		ID:   r.PathValue("id"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMutation(w, http.StatusNoContent, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entity, err := s.svc.Get(r.Context(), tenant(r), core.EntityKind(r.PathValue("kind")), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.svc.List(r.Context(), tenant(r), core.EntityKind(r.PathValue("kind")), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := domain.AuditFilter{
		EntityKind: domain.EntityKind(q.Get("entity_kind")),
		EntityID:   q.Get("entity_id"),
		Page:       page,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(w, r, domain.InvalidInput("since must be RFC 3339"))
			return
		}
		filter.Since = since
	}
	entries, err := s.svc.AuditTrail(r.Context(), tenant(r), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type exportBody struct {
	Since time.Time `json:"since"`
}

func (s *Server) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "audit export not configured"})
		return
	}
	var body exportBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, domain.InvalidInput("invalid export payload: %v", err))
		return
	}
	p, _ := PrincipalFrom(r.Context())
	job, err := s.exporter.Enqueue(r.Context(), auditexport.Request{TenantID: p.TenantID, Since: body.Since, RequestedBy: p.Actor})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": job})
}

func (s *Server) handleExportGet(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "audit export not configured"})
		return
	}
	id := r.PathValue("id")
	job, ok := s.exporter.Job(tenant(r), id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: export %s", domain.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": job})
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "audit export not configured"})
		return
	}
	archives, err := s.exporter.Archives(r.Context(), tenant(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": archives})
}
