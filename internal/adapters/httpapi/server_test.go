package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/auditexport"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/core"
	blobmemory "github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/blob/memory"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/persistence/memory"
	hubmemory "github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/pubsub/memory"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

const testSecret = "test-secret"

type fixture struct {
	srv  *httptest.Server
	auth *Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules, err := core.DefaultRules()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	recorder, err := core.NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)
	hub := hubmemory.NewHub(nil, 16)
	svc := core.NewService(memory.NewStore(),
		core.WithPublisher(hub),
		core.WithRulesEngine(rules),
		core.WithMetricsRecorder(recorder),
	)
	require.NoError(t, svc.Migrate(context.Background()))

	exp := auditexport.New(svc, blobmemory.New())
	exp.Start()
	t.Cleanup(func() { _ = exp.Stop(context.Background()) })

	auth := NewAuthenticator(testSecret, "opscore")
	api := New(svc, auth,
		WithSubscriber(hub),
		WithExporter(exp),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, auth: auth}
}

func (f *fixture) token(t *testing.T, tenantID, subject string) string {
	t.Helper()
	tok, err := f.auth.Issue(tenantID, subject, time.Hour)
	require.NoError(t, err)
	return tok
}

type call struct {
	method  string
	path    string
	token   string
	body    any
	headers map[string]string
}

func (f *fixture) do(t *testing.T, c call) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, f.srv.URL+c.path, reader)
	require.NoError(t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestCreateGetUpdateAndConflict(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "biller-1")

	resp, created := f.do(t, call{method: http.MethodPost, path: "/v1/claim", token: tok, body: map[string]any{"payer_id": "medicare"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.EqualValues(t, 1, created["version"])
	assert.Equal(t, "draft", created["status"])

	resp, got := f.do(t, call{method: http.MethodGet, path: "/v1/claim/" + id, token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "medicare", got["payer_id"])

	resp, updated := f.do(t, call{method: http.MethodPatch, path: "/v1/claim/" + id, token: tok, body: map[string]any{"version": 1, "amount_cents": 5000}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, updated["version"])
	assert.EqualValues(t, 5000, updated["amount_cents"])

	resp, conflict := f.do(t, call{method: http.MethodPatch, path: "/v1/claim/" + id, token: tok, body: map[string]any{"version": 1, "amount_cents": 1}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "version_conflict", conflict["code"])
	assert.EqualValues(t, 2, conflict["current_version"])
	assert.NotEmpty(t, conflict["updated_at"])

	resp, body := f.do(t, call{method: http.MethodPatch, path: "/v1/claim/" + id, token: tok, body: map[string]any{"amount_cents": 1}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])
}

func TestTransitionErrorsMapToUnprocessable(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "biller-1")
	_, created := f.do(t, call{method: http.MethodPost, path: "/v1/claim", token: tok, body: map[string]any{"payer_id": "medicare"}})
	id := created["id"].(string)

	resp, body := f.do(t, call{method: http.MethodPost, path: "/v1/claim/" + id + "/transition", token: tok, body: map[string]any{"version": 1, "target_status": "paid"}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["code"])
	assert.Equal(t, "draft", body["current_status"])
	assert.Equal(t, []any{"pending_review"}, body["allowed"])

	resp, moved := f.do(t, call{method: http.MethodPost, path: "/v1/claim/" + id + "/transition", token: tok, body: map[string]any{"version": 1, "target_status": "pending_review"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending_review", moved["status"])

	resp, _ = f.do(t, call{method: http.MethodPost, path: "/v1/claim/" + id + "/transition", token: tok, body: map[string]any{"version": 2}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPolicyViolation(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "medic-1")
	_, created := f.do(t, call{method: http.MethodPost, path: "/v1/medication_inventory", token: tok, body: map[string]any{
		"medication_name": "fentanyl",
		"quantity":        2,
		"expires_at":      "2026-06-30T00:00:00Z",
	}})
	id := created["id"].(string)

	resp, body := f.do(t, call{method: http.MethodPost, path: "/v1/medication_inventory/" + id + "/transition", token: tok, body: map[string]any{"version": 1, "target_status": "wasted"}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "policy_violation", body["code"])
	assert.Equal(t, "waste_requires_witness", body["policy"])
}

func TestIdempotencyHeaders(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "dispatcher")
	headers := map[string]string{HeaderIdempotencyKey: "req-1"}

	first, a := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{"call_sign": "M7"}, headers: headers})
	require.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Empty(t, first.Header.Get(HeaderReplayed))

	second, b := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{"call_sign": "M7"}, headers: headers})
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(HeaderReplayed))
	assert.Equal(t, a["id"], b["id"])

	resp, body := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{"call_sign": "M8"}, headers: headers})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "idempotency_conflict", body["code"])

	_, list := f.do(t, call{method: http.MethodGet, path: "/v1/vehicle", token: tok})
	assert.Len(t, list["items"], 1)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, call{method: http.MethodGet, path: "/v1/vehicle"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["code"])

	forged, err := NewAuthenticator("other-secret", "opscore").Issue("tenant-a", "x", time.Hour)
	require.NoError(t, err)
	resp, _ = f.do(t, call{method: http.MethodGet, path: "/v1/vehicle", token: forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: f.token(t, "", "x")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "tenant_scope_missing", body["code"])

	closed := New(nil, nil).Handler()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/vehicle", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "tenant-a", "x"))
	closed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTenantIsolationAndDelete(t *testing.T) {
	f := newFixture(t)
	a := f.token(t, "tenant-a", "u")
	b := f.token(t, "tenant-b", "u")
	_, created := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: a, body: map[string]any{}})
	id := created["id"].(string)

	resp, _ := f.do(t, call{method: http.MethodGet, path: "/v1/vehicle/" + id, token: b})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, call{method: http.MethodDelete, path: "/v1/vehicle/" + id, token: b})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, call{method: http.MethodDelete, path: "/v1/vehicle/" + id, token: a})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, call{method: http.MethodDelete, path: "/v1/vehicle/" + id, token: a})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, call{method: http.MethodGet, path: "/v1/starship", token: a})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])
}

func TestListPagingAndAudit(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "u")
	var ids []string
	for i := 0; i < 3; i++ {
		_, created := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{}})
		ids = append(ids, created["id"].(string))
	}

	resp, page := f.do(t, call{method: http.MethodGet, path: "/v1/vehicle?limit=2&offset=0", token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, page["items"], 2)

	resp, _ = f.do(t, call{method: http.MethodGet, path: "/v1/vehicle?limit=abc", token: tok})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, audit := f.do(t, call{method: http.MethodGet, path: "/v1/audit?entity_kind=vehicle&entity_id=" + ids[1], token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := audit["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, ids[1], entry["entity_id"])
	assert.Equal(t, "u", entry["actor"])

	resp, _ = f.do(t, call{method: http.MethodGet, path: "/v1/audit?since=yesterday", token: tok})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversTenantEvents(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "u")

	resp, body := f.do(t, call{method: http.MethodGet, path: "/v1/stream?tenant=tenant-b&kind=vehicle", token: tok})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_scope_mismatch", body["code"])

	resp, _ = f.do(t, call{method: http.MethodGet, path: "/v1/stream?tenant=tenant-a&kind=east.vehicle", token: tok})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream?tenant=tenant-a&kind=vehicle"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, created := f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{}})

	var evt domain.EventEnvelope
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, domain.EventType("vehicle.created"), evt.Type)
	assert.Equal(t, created["id"], evt.EntityID)
	assert.Equal(t, "tenant-a", evt.TenantID)
}

func TestAuditExportEndpoints(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "tenant-a", "auditor")
	f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: tok, body: map[string]any{}})

	resp, body := f.do(t, call{method: http.MethodPost, path: "/v1/audit/exports", token: tok})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["export"].(map[string]any)["id"].(string)

	require.Eventually(t, func() bool {
		_, job := f.do(t, call{method: http.MethodGet, path: "/v1/audit/exports/" + id, token: tok})
		export, ok := job["export"].(map[string]any)
		return ok && export["status"] == string(auditexport.StatusSucceeded)
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, call{method: http.MethodGet, path: "/v1/audit/exports/" + id, token: f.token(t, "tenant-b", "x")})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, archives := f.do(t, call{method: http.MethodGet, path: "/v1/audit/archives", token: tok})
	assert.Len(t, archives["archives"], 1)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	f.do(t, call{method: http.MethodPost, path: "/v1/vehicle", token: f.token(t, "tenant-a", "u"), body: map[string]any{}})
	res, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `opscore_operations_total{operation="create_vehicle",status="success"} 1`)
}
