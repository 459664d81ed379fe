package contracts

import (
	"slices"
	"time"
)

// Stage selects which checkpoint of the pipeline a policy runs at.
type Stage string

const (
	StagePre  Stage = "PRE"
	StagePost Stage = "POST"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "ALLOW"
	VerdictDeny            Verdict = "DENY"
	VerdictAllowWithChange Verdict = "ALLOW_WITH_MODIFICATION"
)

// Modification constrains how an allowed request proceeds downstream.
type Modification struct {
	MaxCostPerUnit       float64  `json:"max_cost_per_unit,omitempty" yaml:"max_cost_per_unit"`
	ForceProvider        string   `json:"force_provider,omitempty" yaml:"force_provider"`
	ExcludeProviders     []string `json:"exclude_providers,omitempty" yaml:"exclude_providers"`
	AllowedJurisdictions []string `json:"allowed_jurisdictions,omitempty" yaml:"allowed_jurisdictions"`
	TruncatePromptChars  int      `json:"truncate_prompt_chars,omitempty" yaml:"truncate_prompt_chars"`
	PrecisionDecimals    *int     `json:"precision_decimals,omitempty" yaml:"precision_decimals"`
	MinProviderVersion   string   `json:"min_provider_version,omitempty" yaml:"min_provider_version"`
}

// IsZero reports whether the modification changes nothing.
func (m *Modification) IsZero() bool {
	if m == nil {
		return true
	}
	return m.MaxCostPerUnit == 0 && m.ForceProvider == "" && len(m.ExcludeProviders) == 0 &&
		len(m.AllowedJurisdictions) == 0 && m.TruncatePromptChars == 0 &&
		m.PrecisionDecimals == nil && m.MinProviderVersion == ""
}

// Clone returns a deep copy.
func (m *Modification) Clone() *Modification {
	if m == nil {
		return nil
	}
	cp := *m
	cp.ExcludeProviders = slices.Clone(m.ExcludeProviders)
	cp.AllowedJurisdictions = slices.Clone(m.AllowedJurisdictions)
	if m.PrecisionDecimals != nil {
		d := *m.PrecisionDecimals
		cp.PrecisionDecimals = &d
	}
	return &cp
}

// Subject kinds referenced by a decision.
const (
	SubjectProblem = "problem"
	SubjectJob     = "job"
)

// PolicyDecision is an immutable verdict produced by one evaluation.
type PolicyDecision struct {
	DecisionID   string        `json:"decision_id"`
	SubjectKind  string        `json:"subject_kind"`
	SubjectID    string        `json:"subject_id"`
	Stage        Stage         `json:"stage"`
	Verdict      Verdict       `json:"verdict"`
	Reasons      []string      `json:"reasons"`
	Modification *Modification `json:"modification,omitempty"`
	CostEstimate float64       `json:"cost_estimate"`
	WindowSpend  float64       `json:"window_spend"`
	EvaluatedAt  time.Time     `json:"evaluated_at"`
}

// Denied reports a DENY verdict.
func (d *PolicyDecision) Denied() bool {
	return d != nil && d.Verdict == VerdictDeny
}
