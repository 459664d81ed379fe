// Package normalize turns client payloads into canonical ProblemSpecs.
//
// Normalization is pure and deterministic: the same request always produces
// byte-identical canonical payloads (RFC 8785), whatever the key order,
// whitespace or Unicode composition of the input.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/qhub/pkg/canonical"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Request is a client submission before normalization.
type Request struct {
	Kind               string          `json:"kind"`
	Payload            json.RawMessage `json:"payload"`
	ClientID           string          `json:"client_id"`
	DataClassification string          `json:"data_classification"`
	PreferredProvider  string          `json:"preferred_provider,omitempty"`
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIDGenerator replaces the problem id source.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) { n.newID = fn }
}

// WithClock replaces the CreatedAt source.
func WithClock(fn func() time.Time) Option {
	return func(n *Normalizer) { n.now = fn }
}

// WithMaxVariables bounds matrix problems. Zero means unlimited.
func WithMaxVariables(max int) Option {
	return func(n *Normalizer) { n.maxVariables = max }
}

// Normalizer validates payloads against per-kind schemas and canonicalizes them.
type Normalizer struct {
	schemas      map[contracts.ProblemKind]*jsonschema.Schema
	newID        func() string
	now          func() time.Time
	maxVariables int
}

// New compiles the kind schemas.
func New(opts ...Option) (*Normalizer, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	n := &Normalizer{
		schemas:      schemas,
		newID:        uuid.NewString,
		now:          time.Now,
		maxVariables: 10000,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Normalize validates req and returns an immutable ProblemSpec. Every
// failure is a *contracts.ValidationError.
func (n *Normalizer) Normalize(req Request) (*contracts.ProblemSpec, error) {
	if req.ClientID == "" {
		return nil, contracts.NewValidationError("client_id", "required")
	}
	class := contracts.ClassInternal
	if req.DataClassification != "" {
		c, err := contracts.ParseDataClassification(req.DataClassification)
		if err != nil {
			return nil, err
		}
		class = c
	}
	if len(bytes.TrimSpace(req.Payload)) == 0 {
		return nil, contracts.NewValidationError("payload", "required")
	}

	kind, err := n.resolveKind(req.Kind, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := n.validateSchema(kind, req.Payload); err != nil {
		return nil, err
	}

	var (
		canon any
		size  contracts.ProblemSize
		units float64
	)
	switch kind {
	case contracts.KindQUBO:
		p, err := normalizeQUBO(req.Payload, n.maxVariables)
		if err != nil {
			return nil, err
		}
		canon, size, units = p, matrixSize(len(p.Variables)), matrixUnits(len(p.Variables))
	case contracts.KindIsing:
		p, err := normalizeIsing(req.Payload, n.maxVariables)
		if err != nil {
			return nil, err
		}
		canon, size, units = p, matrixSize(len(p.Spins)), matrixUnits(len(p.Spins))
	case contracts.KindTextGeneration:
		p, tokens, err := normalizeText(req.Payload)
		if err != nil {
			return nil, err
		}
		canon, size, units = p, contracts.ProblemSize{PromptTokens: tokens}, float64(tokens+p.MaxTokens)
	case contracts.KindPortfolio:
		p, err := normalizePortfolio(req.Payload, n.maxVariables)
		if err != nil {
			return nil, err
		}
		canon, size, units = p, matrixSize(len(p.Assets)), matrixUnits(len(p.Assets))
	case contracts.KindCustom:
		p, err := normalizeCustom(req.Payload)
		if err != nil {
			return nil, err
		}
		canon, units = p, 1
	}

	payload, err := canonical.Marshal(canon)
	if err != nil {
		return nil, contracts.NewValidationError("payload", "cannot canonicalize: %v", err)
	}
	return &contracts.ProblemSpec{
		ID:                 n.newID(),
		Kind:               kind,
		Payload:            payload,
		ClientID:           req.ClientID,
		DataClassification: class,
		PreferredProvider:  req.PreferredProvider,
		Size:               size,
		Units:              units,
		CreatedAt:          n.now().UTC(),
	}, nil
}

// resolveKind honours the hint, or infers the kind from the payload's keys.
func (n *Normalizer) resolveKind(hint string, payload json.RawMessage) (contracts.ProblemKind, error) {
	if hint != "" {
		return contracts.ParseProblemKind(hint)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return "", contracts.NewValidationError("payload", "must be a JSON object")
	}
	has := func(k string) bool { _, ok := keys[k]; return ok }
	switch {
	case has("assets"):
		return contracts.KindPortfolio, nil
	case has("matrix"):
		return contracts.KindQUBO, nil
	case has("h") || has("j"):
		return contracts.KindIsing, nil
	case has("prompt"):
		return contracts.KindTextGeneration, nil
	case has("solver"):
		return contracts.KindCustom, nil
	}
	return "", contracts.NewValidationError("kind", "cannot infer problem kind from payload")
}

func (n *Normalizer) validateSchema(kind contracts.ProblemKind, payload json.RawMessage) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return contracts.NewValidationError("payload", "invalid JSON: %v", err)
	}
	err := n.schemas[kind].Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return contracts.NewValidationError("payload", "%v", err)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := "payload" + ve.InstanceLocation
	return contracts.NewValidationError(field, "%s", ve.Message)
}

func matrixSize(n int) contracts.ProblemSize {
	return contracts.ProblemSize{Variables: n}
}

func matrixUnits(n int) float64 {
	return float64(n * n)
}

func checkFinite(field string, vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return contracts.NewValidationError(field, "must be finite")
		}
	}
	return nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return contracts.NewValidationError("payload", "%v", err)
	}
	return nil
}

func fieldf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
