package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// CELRule is a transition guard expressed in CEL. The expression sees
// `entity` (column map), `from`, `target` and `reason` and must evaluate to
// true for the transition to proceed. When Targets is non-empty the rule only
// applies to those target statuses.
type CELRule struct {
	name    string
	message string
	targets map[Status]struct{}
	program cel.Program
}

var _ domain.Rule = (*CELRule)(nil)

// NewCELRule compiles expr once and caches the program.
func NewCELRule(name, expr, message string, targets ...Status) (*CELRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("from", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("reason", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy %s must evaluate to bool, got %s", name, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program policy %s: %w", name, err)
	}
	set := make(map[Status]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return &CELRule{name: name, message: message, targets: set, program: prg}, nil
}

// Name implements domain.Rule.
func (r *CELRule) Name() string { return r.name }

// Evaluate implements domain.Rule.
func (r *CELRule) Evaluate(_ context.Context, req domain.TransitionRequest) error {
	if len(r.targets) > 0 {
		if _, ok := r.targets[req.To]; !ok {
			return nil
		}
	}
	out, _, err := r.program.Eval(map[string]any{
		"entity": celValues(req.Values),
		"from":   string(req.From),
		"target": string(req.To),
		"reason": req.Reason,
	})
	if err != nil {
		return fmt.Errorf("evaluate policy %s: %w", r.name, err)
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return &domain.PolicyViolationError{Policy: r.name, Message: r.message}
	}
	return nil
}

// celValues maps null columns to empty strings so guards can use simple
// comparisons, and renders timestamps as RFC 3339 strings.
func celValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch typed := v.(type) {
		case nil:
			out[k] = ""
		case time.Time:
			out[k] = typed.Format(time.RFC3339Nano)
		default:
			out[k] = v
		}
	}
	return out
}

// DefaultRules returns the guards shipped with the core.
func DefaultRules() (*domain.RulesEngine, error) {
	engine := domain.NewRulesEngine()
	specs := []struct {
		kind    EntityKind
		name    string
		expr    string
		message string
		targets []Status
	}{
		{
			kind:    domain.KindMedicationInventory,
			name:    "waste_requires_witness",
			expr:    `entity.witness_id != ""`,
			message: "wasting a controlled medication requires a witness_id",
			targets: []Status{domain.StatusWasted},
		},
		{
			kind:    domain.KindClaim,
			name:    "submission_requires_payer",
			expr:    `entity.payer_id != ""`,
			message: "a claim cannot be submitted without a payer_id",
			targets: []Status{domain.StatusSubmitted},
		},
		{
			kind:    domain.KindClaim,
			name:    "denial_requires_reason",
			expr:    `reason != "" || entity.denial_reason != ""`,
			message: "denying a claim requires a reason",
			targets: []Status{domain.StatusDenied},
		},
	}
	for _, s := range specs {
		rule, err := NewCELRule(s.name, s.expr, s.message, s.targets...)
		if err != nil {
			return nil, err
		}
		engine.Register(s.kind, rule)
	}
	return engine, nil
}
