package contracts

import (
	"slices"
	"time"
)

// HealthStatus of a provider as last observed by the health sweep.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthDown     HealthStatus = "DOWN"
)

// Rank orders health for candidate sorting, best first.
func (h HealthStatus) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// CapacityLimits bound the problem size a provider accepts. Zero means unlimited.
type CapacityLimits struct {
	MaxVariables    int `json:"max_variables,omitempty" yaml:"max_variables"`
	MaxPromptTokens int `json:"max_prompt_tokens,omitempty" yaml:"max_prompt_tokens"`
}

// Fits reports whether a problem of the given size is within limits.
func (c CapacityLimits) Fits(size ProblemSize) bool {
	if c.MaxVariables > 0 && size.Variables > c.MaxVariables {
		return false
	}
	if c.MaxPromptTokens > 0 && size.PromptTokens > c.MaxPromptTokens {
		return false
	}
	return true
}

// CostModel prices a unit of work.
type CostModel struct {
	PerUnit  float64 `json:"per_unit" yaml:"per_unit"`
	Currency string  `json:"currency,omitempty" yaml:"currency"`
}

// Cost of the given number of units.
func (c CostModel) Cost(units float64) float64 {
	return c.PerUnit * units
}

// ProviderDescriptor describes one registered compute backend.
type ProviderDescriptor struct {
	ProviderID     string         `json:"provider_id"`
	SupportedKinds []ProblemKind  `json:"supported_kinds"`
	CapacityLimits CapacityLimits `json:"capacity_limits"`
	CostModel      CostModel      `json:"cost_model"`
	HealthStatus   HealthStatus   `json:"health_status"`
	AverageLatency time.Duration  `json:"average_latency"`
	Jurisdiction   string         `json:"jurisdiction,omitempty"`
	Tier           string         `json:"tier,omitempty"`
	AdapterVersion string         `json:"adapter_version,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Supports reports whether the provider accepts the kind.
func (d ProviderDescriptor) Supports(kind ProblemKind) bool {
	return slices.Contains(d.SupportedKinds, kind)
}

// Clone returns a deep copy.
func (d ProviderDescriptor) Clone() ProviderDescriptor {
	d.SupportedKinds = slices.Clone(d.SupportedKinds)
	return d
}
