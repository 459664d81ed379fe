// Package policy evaluates governance rules before and after execution.
//
// Rules are CEL predicates ordered by ascending priority (1 is evaluated
// first). The first matching DENY rule ends evaluation. Otherwise the first
// matching ALLOW_WITH_MODIFICATION rule supplies the modification. When no
// rule matches the verdict is ALLOW. Evaluation never contacts providers.
package policy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/observability"
)

const instrumentationName = "github.com/Mindburn-Labs/qhub/pkg/policy"

// Rule is one declarative policy rule.
type Rule struct {
	ID       string                  `yaml:"id" json:"id"`
	Priority int                     `yaml:"priority" json:"priority"`
	Stage    contracts.Stage         `yaml:"stage,omitempty" json:"stage,omitempty"`
	When     string                  `yaml:"when" json:"when"`
	Effect   contracts.Verdict       `yaml:"effect" json:"effect"`
	Modify   *contracts.Modification `yaml:"modify,omitempty" json:"modify,omitempty"`
}

func (r Rule) appliesTo(stage contracts.Stage) bool {
	return r.Stage == "" || r.Stage == stage
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the EvaluatedAt source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithIDGenerator replaces the decision id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	rules  []compiledRule
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewEnv returns the CEL environment rule conditions compile against.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("stage", cel.StringType),
		cel.Variable("cost_estimate", cel.DoubleType),
		cel.Variable("problem", cel.DynType),
		cel.Variable("client", cel.DynType),
		cel.Variable("provider", cel.DynType),
		cel.Variable("job", cel.DynType),
		cel.Variable("result", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewEngine validates and compiles rules.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(e)
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy rule without id")
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate policy rule %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		switch r.Stage {
		case "", contracts.StagePre, contracts.StagePost:
		default:
			return nil, fmt.Errorf("rule %s: unknown stage %q", r.ID, r.Stage)
		}
		switch r.Effect {
		case contracts.VerdictAllow, contracts.VerdictDeny:
		case contracts.VerdictAllowWithChange:
			if r.Modify.IsZero() {
				return nil, fmt.Errorf("rule %s: %s needs a modification", r.ID, r.Effect)
			}
		default:
			return nil, fmt.Errorf("rule %s: unknown effect %q", r.ID, r.Effect)
		}

		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
			return nil, fmt.Errorf("rule %s: condition must be boolean, got %s", r.ID, ast.OutputType())
		}
		vars, err := Variables(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if err := lintStage(r, vars); err != nil {
			return nil, err
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.ID, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	slices.SortStableFunc(e.rules, func(a, b compiledRule) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return e, nil
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// Evaluate produces one decision for subject at stage. A rule whose
// condition cannot be evaluated counts as a DENY.
func (e *Engine) Evaluate(ctx context.Context, stage contracts.Stage, s Subject) *contracts.PolicyDecision {
	_, span := otel.Tracer(instrumentationName).Start(ctx, "policy.Evaluate")
	defer span.End()

	d := &contracts.PolicyDecision{
		DecisionID:   e.newID(),
		Stage:        stage,
		Verdict:      contracts.VerdictAllow,
		Reasons:      []string{},
		CostEstimate: s.CostEstimate,
		WindowSpend:  s.WindowSpend,
		EvaluatedAt:  e.now().UTC(),
	}
	d.SubjectKind, d.SubjectID = s.ref(stage)

	vars := s.activation(stage)
	for _, r := range e.rules {
		if !r.appliesTo(stage) {
			continue
		}
		matched, err := eval(r.prg, vars)
		if err != nil {
			e.logger.Warn("policy rule failed to evaluate", "rule", r.ID, "error", err)
			d.Verdict = contracts.VerdictDeny
			d.Reasons = append(d.Reasons, r.ID)
			d.Modification = nil
			break
		}
		if !matched {
			continue
		}
		d.Reasons = append(d.Reasons, r.ID)
		if r.Effect == contracts.VerdictDeny {
			d.Verdict = contracts.VerdictDeny
			d.Modification = nil
			break
		}
		if r.Effect == contracts.VerdictAllowWithChange && d.Modification == nil {
			d.Verdict = contracts.VerdictAllowWithChange
			d.Modification = r.Modify.Clone()
		}
	}

	kind := ""
	if s.Problem != nil {
		kind = string(s.Problem.Kind)
	}
	span.SetAttributes(observability.PolicyOperation(kind, string(stage), string(d.Verdict))...)
	return d
}

func eval(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return v, nil
}
