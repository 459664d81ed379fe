package policy

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// RuleSpendCeiling is the reason recorded when a reservation would exceed
// the client's rolling ceiling.
const RuleSpendCeiling = "spend_ceiling"

// Ceilings are rolling-window spend limits. Zero means unlimited.
type Ceilings struct {
	Default   float64            `yaml:"default_ceiling"`
	PerClient map[string]float64 `yaml:"clients"`
}

// For returns the ceiling of clientID.
func (c Ceilings) For(clientID string) float64 {
	if v, ok := c.PerClient[clientID]; ok {
		return v
	}
	return c.Default
}

// Governor pairs the rule engine with spend accounting. The engine stays
// side-effect free; the governor owns the reservation.
type Governor struct {
	engine   *Engine
	spend    SpendTracker
	ceilings Ceilings
}

// NewGovernor creates a governor. A nil tracker uses an in-memory one.
func NewGovernor(engine *Engine, spend SpendTracker, ceilings Ceilings) *Governor {
	if spend == nil {
		spend = NewMemorySpendTracker(DefaultSpendWindow)
	}
	return &Governor{engine: engine, spend: spend, ceilings: ceilings}
}

// Engine returns the rule engine.
func (g *Governor) Engine() *Engine { return g.engine }

// PreCheck evaluates the PRE stage and, when the verdict allows execution,
// atomically reserves s.CostEstimate against the client's ceiling. A failed
// reservation turns the decision into a DENY.
func (g *Governor) PreCheck(ctx context.Context, s Subject) (*contracts.PolicyDecision, Reservation, error) {
	clientID := ""
	if s.Problem != nil {
		clientID = s.Problem.ClientID
	}
	spent, err := g.spend.Spend(ctx, clientID)
	if err != nil {
		return nil, Reservation{}, fmt.Errorf("read client spend: %w", err)
	}
	s.WindowSpend = spent
	s.SpendCeiling = g.ceilings.For(clientID)

	d := g.engine.Evaluate(ctx, contracts.StagePre, s)
	if d.Denied() {
		return d, Reservation{}, nil
	}

	r, err := g.spend.Reserve(ctx, clientID, s.CostEstimate, s.SpendCeiling)
	if err != nil {
		return nil, Reservation{}, fmt.Errorf("reserve client spend: %w", err)
	}
	d.WindowSpend = r.WindowSpend
	if !r.Allowed {
		d.Verdict = contracts.VerdictDeny
		d.Modification = nil
		d.Reasons = append(d.Reasons, RuleSpendCeiling)
	}
	return d, r, nil
}

// PostCheck evaluates the POST stage.
func (g *Governor) PostCheck(ctx context.Context, s Subject) *contracts.PolicyDecision {
	if s.Problem != nil {
		if spent, err := g.spend.Spend(ctx, s.Problem.ClientID); err == nil {
			s.WindowSpend = spent
		}
		s.SpendCeiling = g.ceilings.For(s.Problem.ClientID)
	}
	return g.engine.Evaluate(ctx, contracts.StagePost, s)
}

// Settle charges the actual cost against a reservation.
func (g *Governor) Settle(ctx context.Context, r Reservation, actual float64) error {
	if !r.Allowed {
		return nil
	}
	return g.spend.Settle(ctx, r, actual)
}

// Release drops a reservation.
func (g *Governor) Release(ctx context.Context, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	return g.spend.Release(ctx, r)
}
