// Package router chooses the provider for a problem. It never branches on
// backend type: every decision is made from registry descriptors.
package router

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Candidates lists registered providers for a kind, best first.
type Candidates interface {
	List(kind contracts.ProblemKind) []contracts.ProviderDescriptor
}

// Router filters registry candidates against a spec and a policy decision.
type Router struct {
	reg Candidates
}

// New creates a router over reg.
func New(reg Candidates) *Router {
	return &Router{reg: reg}
}

// Eligible returns the providers that may run spec, in registry order, with
// a preferred provider moved to the front. The second value explains an
// empty result.
func (r *Router) Eligible(spec *contracts.ProblemSpec, decision *contracts.PolicyDecision, excluded []string) ([]contracts.ProviderDescriptor, string) {
	var mod *contracts.Modification
	if decision != nil {
		mod = decision.Modification
	}
	var constraint *semver.Constraints
	if mod != nil && mod.MinProviderVersion != "" {
		c, err := semver.NewConstraint(mod.MinProviderVersion)
		if err != nil {
			// An invalid constraint matches nothing.
			return nil, fmt.Sprintf("invalid version constraint %q", mod.MinProviderVersion)
		}
		constraint = c
	}

	all := r.reg.List(spec.Kind)
	if len(all) == 0 {
		return nil, "no healthy provider supports the kind"
	}
	var (
		out     []contracts.ProviderDescriptor
		dropped = map[string]int{}
	)
	for _, d := range all {
		switch {
		case slices.Contains(excluded, d.ProviderID):
			dropped["excluded"]++
		case !d.CapacityLimits.Fits(spec.Size):
			dropped["capacity"]++
		case mod != nil && mod.ForceProvider != "" && d.ProviderID != mod.ForceProvider:
			dropped["policy provider"]++
		case mod != nil && slices.Contains(mod.ExcludeProviders, d.ProviderID):
			dropped["policy provider"]++
		case mod != nil && len(mod.AllowedJurisdictions) > 0 && !slices.Contains(mod.AllowedJurisdictions, d.Jurisdiction):
			dropped["jurisdiction"]++
		case mod != nil && mod.MaxCostPerUnit > 0 && d.CostModel.PerUnit > mod.MaxCostPerUnit:
			dropped["cost"]++
		case constraint != nil && !versionOK(constraint, d.AdapterVersion):
			dropped["version"]++
		default:
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, explain(dropped)
	}
	if spec.PreferredProvider != "" {
		if i := slices.IndexFunc(out, func(d contracts.ProviderDescriptor) bool { return d.ProviderID == spec.PreferredProvider }); i > 0 {
			pref := out[i]
			out = append(out[:i], out[i+1:]...)
			out = append([]contracts.ProviderDescriptor{pref}, out...)
		}
	}
	return out, ""
}

// SelectProvider returns the first eligible provider, or a
// *contracts.NotAvailableError when none remains.
func (r *Router) SelectProvider(spec *contracts.ProblemSpec, decision *contracts.PolicyDecision, excluded []string) (contracts.ProviderDescriptor, error) {
	out, why := r.Eligible(spec, decision, excluded)
	if len(out) == 0 {
		return contracts.ProviderDescriptor{}, &contracts.NotAvailableError{Kind: spec.Kind, Reason: why}
	}
	return out[0], nil
}

// EstimateCost prices spec at the highest unit rate among the providers
// that could take it, so the estimate bounds any routing outcome.
func (r *Router) EstimateCost(spec *contracts.ProblemSpec) float64 {
	rate := 0.0
	for _, d := range r.reg.List(spec.Kind) {
		if d.CapacityLimits.Fits(spec.Size) {
			rate = max(rate, d.CostModel.PerUnit)
		}
	}
	return spec.Units * rate
}

func versionOK(c *semver.Constraints, v string) bool {
	if v == "" {
		return false
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return c.Check(ver)
}

func explain(dropped map[string]int) string {
	parts := make([]string, 0, len(dropped))
	for reason, n := range dropped {
		parts = append(parts, fmt.Sprintf("%s: %d", reason, n))
	}
	slices.Sort(parts)
	return "filtered by " + strings.Join(parts, ", ")
}
