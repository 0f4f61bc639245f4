// Package auditexport archives tenant audit trails as JSON Lines blobs.
package auditexport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// ContentType of every archive.
const ContentType = "application/x-ndjson"

// DefaultJobRetention bounds how long finished jobs are kept.
const DefaultJobRetention = time.Hour

// Status describes the lifecycle stage of an export job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// AuditSource lists audit entries for one tenant.
type AuditSource interface {
	AuditTrail(ctx context.Context, tenantID string, filter domain.AuditFilter) ([]domain.AuditLogEntry, error)
}

// Request selects what to archive.
type Request struct {
	TenantID    string    `json:"tenant_id"`
	Since       time.Time `json:"since,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// Archive describes one written blob.
type Archive struct {
	Key     string    `json:"key"`
	Entries int       `json:"entries"`
	Info    blob.Info `json:"info"`
}

// Job tracks an asynchronous export.
type Job struct {
	ID          string     `json:"id"`
	Request     Request    `json:"request"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Archive     *Archive   `json:"archive,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for archive keys.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithJobRetention sets how long finished jobs stay visible through Job.
func WithJobRetention(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithPageSize sets how many audit entries are read per page.
func WithPageSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 && n <= domain.MaxPageLimit {
			e.pageSize = n
		}
	}
}

// Exporter writes archives synchronously via Export or through a background
// queue via Enqueue once Start has been called.
type Exporter struct {
	source    AuditSource
	store     blob.Store
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	pageSize  int
	retention time.Duration

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an exporter.
func New(source AuditSource, store blob.Store, opts ...Option) *Exporter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		source:    source,
		store:     store,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		pageSize:  domain.MaxPageLimit,
		retention: DefaultJobRetention,
		queue:     make(chan string, 32),
		jobs:      make(map[string]*Job),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the blob key of an archive written at t. The tenant is
// path-escaped so it always occupies exactly one key segment.
func Key(tenantID string, t time.Time, id string) string {
	return fmt.Sprintf("%s%s/%s.jsonl", tenantPrefix(tenantID), t.UTC().Format("2006-01-02"), id)
}

func tenantPrefix(tenantID string) string {
	return "audit/" + url.PathEscape(tenantID) + "/"
}

// Export archives every entry of req.TenantID at or after req.Since. Nothing
// is written when there are no entries.
func (e *Exporter) Export(ctx context.Context, req Request) (Archive, error) {
	if req.TenantID == "" {
		return Archive{}, domain.ErrTenantScopeMissing
	}
	var (
		buf   bytes.Buffer
		count int
	)
	enc := json.NewEncoder(&buf)
	for offset := 0; ; offset += e.pageSize {
		page, err := e.source.AuditTrail(ctx, req.TenantID, domain.AuditFilter{
			Since: req.Since,
			Page:  domain.Page{Limit: e.pageSize, Offset: offset},
		})
		if err != nil {
			return Archive{}, fmt.Errorf("read audit trail: %w", err)
		}
		for _, entry := range page {
			if err := enc.Encode(entry); err != nil {
				return Archive{}, fmt.Errorf("encode audit entry: %w", err)
			}
		}
		count += len(page)
		if len(page) < e.pageSize {
			break
		}
	}
	if count == 0 {
		return Archive{}, nil
	}
	key := Key(req.TenantID, e.now(), e.newID())
	meta := map[string]string{
		"tenant":  req.TenantID,
		"entries": strconv.Itoa(count),
	}
	if !req.Since.IsZero() {
		meta["since"] = req.Since.UTC().Format(time.RFC3339Nano)
	}
	info, err := e.store.Put(ctx, key, &buf, blob.PutOptions{ContentType: ContentType, Metadata: meta})
	if err != nil {
		return Archive{}, fmt.Errorf("store archive: %w", err)
	}
	e.logger.Info("audit archive written",
		"event", "audit_export_written",
		"module", "internal/adapters/auditexport",
		"layer", "adapter",
		"tenant_id", req.TenantID,
		"key", key,
		"entries", count,
	)
	return Archive{Key: key, Entries: count, Info: info}, nil
}

// Archives lists archives previously written for tenantID. Blobs whose
// tenant metadata names another tenant are skipped.
func (e *Exporter) Archives(ctx context.Context, tenantID string) ([]blob.Info, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantScopeMissing
	}
	prefix := tenantPrefix(tenantID)
	infos, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]blob.Info, 0, len(infos))
	for _, info := range infos {
		if owner, ok := info.Metadata["tenant"]; ok && owner != tenantID {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Start begins processing queued jobs.
func (e *Exporter) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the worker and waits for the running job, bounded by ctx.
func (e *Exporter) Stop(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules an export and returns the queued job.
func (e *Exporter) Enqueue(ctx context.Context, req Request) (Job, error) {
	if req.TenantID == "" {
		return Job{}, domain.ErrTenantScopeMissing
	}
	job := &Job{ID: e.newID(), Request: req, Status: StatusQueued, CreatedAt: e.now()}
	e.mu.Lock()
	e.evictFinished(job.CreatedAt)
	e.jobs[job.ID] = job
	e.mu.Unlock()
	select {
	case e.queue <- job.ID:
		return e.snapshot(job), nil
	case <-ctx.Done():
		e.finish(job.ID, nil, ctx.Err())
		return Job{}, ctx.Err()
	case <-e.ctx.Done():
		e.finish(job.ID, nil, fmt.Errorf("exporter stopped"))
		return Job{}, fmt.Errorf("exporter stopped")
	}
}

// Job returns the job with id when it belongs to tenantID.
func (e *Exporter) Job(tenantID, id string) (Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[id]
	if !ok || job.Request.TenantID != tenantID {
		return Job{}, false
	}
	return e.snapshot(job), true
}

func (e *Exporter) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.process(id)
		}
	}
}

func (e *Exporter) process(id string) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if ok {
		job.Status = StatusRunning
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	archive, err := e.Export(e.ctx, job.Request)
	if err != nil {
		e.logger.Error("audit export failed",
			"event", "audit_export_failed",
			"module", "internal/adapters/auditexport",
			"layer", "adapter",
			"job_id", id,
			"error", err,
		)
	}
	e.finish(id, &archive, err)
}

func (e *Exporter) finish(id string, archive *Archive, err error) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return
	}
	job.CompletedAt = &now
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		return
	}
	job.Status = StatusSucceeded
	if archive != nil && archive.Key != "" {
		a := *archive
		job.Archive = &a
	}
}

// evictFinished drops jobs that completed more than the retention window
// before now. Callers hold e.mu.
func (e *Exporter) evictFinished(now time.Time) {
	cutoff := now.Add(-e.retention)
	for id, job := range e.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(e.jobs, id)
		}
	}
}

func (e *Exporter) snapshot(job *Job) Job {
	out := *job
	if job.Archive != nil {
		a := *job.Archive
		out.Archive = &a
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
