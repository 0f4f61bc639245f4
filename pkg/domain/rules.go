package domain

import "context"

// TransitionRequest is the input handed to policy rules before a status change
// is written.
type TransitionRequest struct {
	TenantID string
	Kind     EntityKind
	ID       string
	From     Status
	To       Status
	Reason   string
	Values   map[string]any
}

// Rule defines a guard evaluated after the transition graph accepts a change
// and before the write. Returning a *PolicyViolationError rejects the change.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, req TransitionRequest) error
}

// RulesEngine orchestrates rule evaluation per entity kind.
type RulesEngine struct {
	rules map[EntityKind][]Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{rules: make(map[EntityKind][]Rule)}
}

// Register appends a rule for the given kind.
func (e *RulesEngine) Register(kind EntityKind, rule Rule) {
	e.rules[kind] = append(e.rules[kind], rule)
}

// Rules returns the rules registered for kind.
func (e *RulesEngine) Rules(kind EntityKind) []Rule {
	if e == nil {
		return nil
	}
	return e.rules[kind]
}

// Evaluate runs every rule registered for req.Kind and stops at the first
// failure.
func (e *RulesEngine) Evaluate(ctx context.Context, req TransitionRequest) error {
	if e == nil {
		return nil
	}
	for _, rule := range e.rules[req.Kind] {
		if err := rule.Evaluate(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
