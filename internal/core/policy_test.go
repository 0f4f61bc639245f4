package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

func TestCELRuleRejectsNonBooleanExpressions(t *testing.T) {
	if _, err := NewCELRule("bad", `entity.payer_id`, "x"); err == nil {
		t.Fatalf("expected non-bool expression to be rejected")
	}
	if _, err := NewCELRule("broken", `entity.(`, "x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCELRuleOnlyGuardsTargets(t *testing.T) {
	rule, err := NewCELRule("needs_reason", `reason != ""`, "reason required", domain.StatusDenied)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ctx := context.Background()
	if err := rule.Evaluate(ctx, domain.TransitionRequest{To: domain.StatusPaid}); err != nil {
		t.Fatalf("non-target transition should pass: %v", err)
	}
	err = rule.Evaluate(ctx, domain.TransitionRequest{To: domain.StatusDenied})
	var violation *domain.PolicyViolationError
	if !errors.As(err, &violation) || violation.Policy != "needs_reason" || violation.Message != "reason required" {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if err := rule.Evaluate(ctx, domain.TransitionRequest{To: domain.StatusDenied, Reason: "CO-45"}); err != nil {
		t.Fatalf("reason supplied: %v", err)
	}
}

func TestCELRuleEvaluationFaultIsNotAViolation(t *testing.T) {
	rule, err := NewCELRule("needs_witness", `entity.witness_id != ""`, "witness required")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	err = rule.Evaluate(context.Background(), domain.TransitionRequest{Values: map[string]any{}})
	if err == nil {
		t.Fatalf("expected missing key to fail evaluation")
	}
	if errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("evaluation fault reported as policy violation: %v", err)
	}
	if !strings.Contains(err.Error(), "needs_witness") {
		t.Fatalf("error does not name the policy: %v", err)
	}
}

func TestCELRuleSeesTimestampsAsStrings(t *testing.T) {
	rule, err := NewCELRule("expiry_known", `entity.expires_at != ""`, "expiry required")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	values := map[string]any{"expires_at": time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := rule.Evaluate(context.Background(), domain.TransitionRequest{Values: values}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := rule.Evaluate(context.Background(), domain.TransitionRequest{Values: map[string]any{"expires_at": nil}}); err == nil {
		t.Fatalf("expected null expiry to fail")
	}
}

func TestDefaultRulesDenialNeedsReason(t *testing.T) {
	engine, err := DefaultRules()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	req := domain.TransitionRequest{Kind: domain.KindClaim, From: domain.StatusSubmitted, To: domain.StatusDenied, Values: map[string]any{"denial_reason": nil, "payer_id": "p"}}
	if err := engine.Evaluate(context.Background(), req); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
	req.Values["denial_reason"] = "CO-16"
	if err := engine.Evaluate(context.Background(), req); err != nil {
		t.Fatalf("stored reason should satisfy the guard: %v", err)
	}
}

func TestPrometheusRecorderCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	rec.Observe(context.Background(), "create_claim", true, 3*time.Millisecond)
	rec.Observe(context.Background(), "create_claim", false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues("create_claim", "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("create_claim", "error")); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestOTelTracerWrapsGlobalProvider(t *testing.T) {
	tracer := NewOTelTracer(nil)
	ctx, span := tracer.Start(context.Background(), "create_claim")
	if ctx == nil {
		t.Fatalf("expected context")
	}
	span.End(errors.New("boom"))
	_, span = tracer.Start(context.Background(), "get_claim")
	span.End(nil)
}
