package normalize

import (
	"math"

	"github.com/Mindburn-Labs/qhub/pkg/canonical"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Apply returns a copy of spec with the payload-level parts of mod applied
// (prompt truncation and weight precision). spec itself is not changed; a
// zero modification returns spec.
func Apply(spec *contracts.ProblemSpec, mod *contracts.Modification) (*contracts.ProblemSpec, error) {
	if mod == nil || (mod.TruncatePromptChars == 0 && mod.PrecisionDecimals == nil) {
		return spec, nil
	}
	size, units := spec.Size, spec.Units
	var out any

	switch spec.Kind {
	case contracts.KindTextGeneration:
		if mod.TruncatePromptChars <= 0 {
			return spec, nil
		}
		var p contracts.TextPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		if r := []rune(p.Prompt); len(r) > mod.TruncatePromptChars {
			p.Prompt = string(r[:mod.TruncatePromptChars])
		}
		size.PromptTokens = EstimateTokens(p.System) + EstimateTokens(p.Prompt)
		units = float64(size.PromptTokens + p.MaxTokens)
		out = p
	case contracts.KindQUBO:
		if mod.PrecisionDecimals == nil {
			return spec, nil
		}
		var p contracts.QUBOPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		roundQUBO(&p, *mod.PrecisionDecimals)
		out = p
	case contracts.KindIsing:
		if mod.PrecisionDecimals == nil {
			return spec, nil
		}
		var p contracts.IsingPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		d := *mod.PrecisionDecimals
		roundSlice(p.Fields, d)
		roundMatrix(p.Couplings, d)
		p.Offset = round(p.Offset, d)
		out = p
	case contracts.KindPortfolio:
		if mod.PrecisionDecimals == nil {
			return spec, nil
		}
		var p contracts.PortfolioPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		roundQUBO(&p.QUBO, *mod.PrecisionDecimals)
		out = p
	default:
		return spec, nil
	}

	payload, err := canonical.Marshal(out)
	if err != nil {
		return nil, err
	}
	return spec.WithPayload(payload, size, units), nil
}

func roundQUBO(p *contracts.QUBOPayload, d int) {
	roundMatrix(p.Matrix, d)
	p.Offset = round(p.Offset, d)
	for i := range p.Constraints {
		for k, v := range p.Constraints[i].Coefficients {
			p.Constraints[i].Coefficients[k] = round(v, d)
		}
		p.Constraints[i].RHS = round(p.Constraints[i].RHS, d)
	}
	if p.Constraints == nil {
		p.Constraints = []contracts.Constraint{}
	}
}

func roundMatrix(m [][]float64, d int) {
	for _, row := range m {
		roundSlice(row, d)
	}
}

func roundSlice(s []float64, d int) {
	for i, v := range s {
		s[i] = round(v, d)
	}
}

func round(v float64, decimals int) float64 {
	decimals = max(0, min(decimals, 15))
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if r == 0 {
		return 0
	}
	return r
}
