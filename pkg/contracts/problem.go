package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProblemKind identifies the canonical form of a problem payload.
type ProblemKind string

const (
	KindQUBO           ProblemKind = "QUBO"
	KindIsing          ProblemKind = "ISING"
	KindTextGeneration ProblemKind = "TEXT_GENERATION"
	KindPortfolio      ProblemKind = "PORTFOLIO"
	KindCustom         ProblemKind = "CUSTOM"
)

// AllKinds lists every supported problem kind.
var AllKinds = []ProblemKind{KindQUBO, KindIsing, KindTextGeneration, KindPortfolio, KindCustom}

// ParseProblemKind accepts a kind name case-insensitively.
func ParseProblemKind(s string) (ProblemKind, error) {
	k := ProblemKind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", NewValidationError("kind", "unknown problem kind %q", s)
}

// DataClassification is the sensitivity label a client attaches to a problem.
type DataClassification string

const (
	ClassPublic    DataClassification = "PUBLIC"
	ClassInternal  DataClassification = "INTERNAL"
	ClassSensitive DataClassification = "SENSITIVE"
	ClassRegulated DataClassification = "REGULATED"
)

// Rank orders classifications from least to most sensitive. Unknown values rank highest.
func (c DataClassification) Rank() int {
	switch c {
	case ClassPublic:
		return 0
	case ClassInternal:
		return 1
	case ClassSensitive:
		return 2
	default:
		return 3
	}
}

// ParseDataClassification accepts a classification name case-insensitively.
func ParseDataClassification(s string) (DataClassification, error) {
	c := DataClassification(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case ClassPublic, ClassInternal, ClassSensitive, ClassRegulated:
		return c, nil
	}
	return "", NewValidationError("data_classification", "unknown data classification %q", s)
}

// ProblemSize is the capacity-relevant size of a problem.
type ProblemSize struct {
	Variables    int `json:"variables,omitempty"`
	PromptTokens int `json:"prompt_tokens,omitempty"`
}

// ProblemSpec is the canonical, immutable unit of work.
type ProblemSpec struct {
	ID                 string             `json:"id"`
	Kind               ProblemKind        `json:"kind"`
	Payload            json.RawMessage    `json:"payload"`
	ClientID           string             `json:"client_id"`
	DataClassification DataClassification `json:"data_classification"`
	PreferredProvider  string             `json:"preferred_provider,omitempty"`
	Size               ProblemSize        `json:"size"`
	Units              float64            `json:"units"`
	CreatedAt          time.Time          `json:"created_at"`
}

// WithPayload returns a copy of the spec carrying a different payload. The
// receiver is left untouched so the admitted spec stays immutable.
func (p *ProblemSpec) WithPayload(payload json.RawMessage, size ProblemSize, units float64) *ProblemSpec {
	cp := *p
	cp.Payload = append(json.RawMessage(nil), payload...)
	cp.Size = size
	cp.Units = units
	return &cp
}

// DecodePayload unmarshals the canonical payload into v.
func (p *ProblemSpec) DecodePayload(v any) error {
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Kind, err)
	}
	return nil
}
