package normalize

import (
	"encoding/json"
	"math"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/qhub/pkg/canonical"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// DefaultMaxTokens is used when a text request omits max_tokens.
const DefaultMaxTokens = 256

func defaultNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fieldf("%s%d", prefix, i)
	}
	return out
}

func checkNames(field, prefix string, names []string, n int) ([]string, error) {
	if len(names) == 0 {
		return defaultNames(prefix, n), nil
	}
	if len(names) != n {
		return nil, contracts.NewValidationError(field,
			"matrix dimension %d disagrees with %d declared variables", n, len(names))
	}
	seen := make(map[string]struct{}, n)
	for _, v := range names {
		if _, dup := seen[v]; dup {
			return nil, contracts.NewValidationError(field, "duplicate name %q", v)
		}
		seen[v] = struct{}{}
	}
	return append([]string(nil), names...), nil
}

func checkSquare(field string, m [][]float64, n int) error {
	if len(m) != n {
		return contracts.NewValidationError(field, "has %d rows, want %d", len(m), n)
	}
	for i, row := range m {
		if len(row) != n {
			return contracts.NewValidationError(fieldf("%s[%d]", field, i), "has %d entries, want %d", len(row), n)
		}
		if err := checkFinite(fieldf("%s[%d]", field, i), row...); err != nil {
			return err
		}
	}
	return nil
}

// FoldUpper returns the upper-triangular matrix with the same quadratic
// form as m: each off-diagonal pair is summed into the upper cell.
func FoldUpper(m [][]float64) [][]float64 {
	n := len(m)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = m[i][i]
		for j := i + 1; j < n; j++ {
			out[i][j] = m[i][j] + m[j][i]
		}
	}
	return out
}

func normalizeQUBO(raw json.RawMessage, maxVars int) (*contracts.QUBOPayload, error) {
	var in contracts.QUBOPayload
	if err := decodeStrict(raw, &in); err != nil {
		return nil, err
	}
	n := len(in.Matrix)
	if maxVars > 0 && n > maxVars {
		return nil, contracts.NewValidationError("matrix", "%d variables exceeds the limit of %d", n, maxVars)
	}
	vars, err := checkNames("variables", "x", in.Variables, n)
	if err != nil {
		return nil, err
	}
	if err := checkSquare("matrix", in.Matrix, n); err != nil {
		return nil, err
	}
	if err := checkFinite("offset", in.Offset); err != nil {
		return nil, err
	}
	cs, err := normalizeConstraints(in.Constraints, vars)
	if err != nil {
		return nil, err
	}
	return &contracts.QUBOPayload{
		Variables:   vars,
		Matrix:      FoldUpper(in.Matrix),
		Constraints: cs,
		Offset:      in.Offset,
	}, nil
}

func normalizeConstraints(in []contracts.Constraint, vars []string) ([]contracts.Constraint, error) {
	declared := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		declared[v] = struct{}{}
	}
	out := make([]contracts.Constraint, 0, len(in))
	for i, c := range in {
		field := fieldf("constraints[%d]", i)
		switch c.Sense {
		case contracts.SenseLE, contracts.SenseGE, contracts.SenseEQ:
		default:
			return nil, contracts.NewValidationError(field+".sense", "unknown sense %q", c.Sense)
		}
		if len(c.Coefficients) == 0 {
			return nil, contracts.NewValidationError(field+".coefficients", "required")
		}
		coefs := make(map[string]float64, len(c.Coefficients))
		for name, v := range c.Coefficients {
			if _, ok := declared[name]; !ok {
				return nil, contracts.NewValidationError(field+".coefficients", "references undeclared variable %q", name)
			}
			if err := checkFinite(field+".coefficients", v); err != nil {
				return nil, err
			}
			coefs[name] = v
		}
		if err := checkFinite(field, c.RHS, c.Penalty); err != nil {
			return nil, err
		}
		if c.Penalty < 0 {
			return nil, contracts.NewValidationError(field+".penalty", "must not be negative")
		}
		out = append(out, contracts.Constraint{Coefficients: coefs, Sense: c.Sense, RHS: c.RHS, Penalty: c.Penalty})
	}
	return out, nil
}

func normalizeIsing(raw json.RawMessage, maxVars int) (*contracts.IsingPayload, error) {
	var in contracts.IsingPayload
	if err := decodeStrict(raw, &in); err != nil {
		return nil, err
	}
	n := len(in.Fields)
	if maxVars > 0 && n > maxVars {
		return nil, contracts.NewValidationError("h", "%d spins exceeds the limit of %d", n, maxVars)
	}
	spins, err := checkNames("spins", "s", in.Spins, n)
	if err != nil {
		return nil, err
	}
	if err := checkFinite("h", in.Fields...); err != nil {
		return nil, err
	}
	if err := checkFinite("offset", in.Offset); err != nil {
		return nil, err
	}
	j := in.Couplings
	if len(j) == 0 {
		j = make([][]float64, n)
		for i := range j {
			j[i] = make([]float64, n)
		}
	}
	if err := checkSquare("j", j, n); err != nil {
		return nil, err
	}
	for i := range j {
		if j[i][i] != 0 {
			return nil, contracts.NewValidationError(fieldf("j[%d][%d]", i, i), "self-coupling must be zero")
		}
	}
	return &contracts.IsingPayload{
		Spins:     spins,
		Fields:    append([]float64(nil), in.Fields...),
		Couplings: FoldUpper(j),
		Offset:    in.Offset,
	}, nil
}

// EstimateTokens approximates the token count of text at four runes per token.
func EstimateTokens(text string) int {
	runes := len([]rune(text))
	return (runes + 3) / 4
}

func normalizeText(raw json.RawMessage) (*contracts.TextPayload, int, error) {
	var in contracts.TextPayload
	if err := decodeStrict(raw, &in); err != nil {
		return nil, 0, err
	}
	out := &contracts.TextPayload{
		Prompt:      norm.NFC.String(in.Prompt),
		System:      norm.NFC.String(in.System),
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}
	if out.Prompt == "" {
		return nil, 0, contracts.NewValidationError("prompt", "required")
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	return out, EstimateTokens(out.System) + EstimateTokens(out.Prompt), nil
}

type portfolioInput struct {
	Assets          []string    `json:"assets"`
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
	Budget          int         `json:"budget"`
	RiskAversion    *float64    `json:"risk_aversion"`
	Penalty         *float64    `json:"penalty"`
}

func normalizePortfolio(raw json.RawMessage, maxVars int) (*contracts.PortfolioPayload, error) {
	var in portfolioInput
	if err := decodeStrict(raw, &in); err != nil {
		return nil, err
	}
	n := len(in.Assets)
	if maxVars > 0 && n > maxVars {
		return nil, contracts.NewValidationError("assets", "%d assets exceeds the limit of %d", n, maxVars)
	}
	assets, err := checkNames("assets", "a", in.Assets, n)
	if err != nil {
		return nil, err
	}
	if len(in.ExpectedReturns) != n {
		return nil, contracts.NewValidationError("expected_returns", "has %d entries, want %d", len(in.ExpectedReturns), n)
	}
	if err := checkFinite("expected_returns", in.ExpectedReturns...); err != nil {
		return nil, err
	}
	if err := checkSquare("covariance", in.Covariance, n); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if in.Covariance[i][i] < 0 {
			return nil, contracts.NewValidationError(fieldf("covariance[%d][%d]", i, i), "variance must not be negative")
		}
		for j := i + 1; j < n; j++ {
			a, b := in.Covariance[i][j], in.Covariance[j][i]
			if math.Abs(a-b) > 1e-9*math.Max(1, math.Abs(a)) {
				return nil, contracts.NewValidationError(fieldf("covariance[%d][%d]", i, j), "matrix is not symmetric")
			}
		}
	}
	if in.Budget < 1 || in.Budget > n {
		return nil, contracts.NewValidationError("budget", "must be between 1 and %d", n)
	}

	q := 1.0
	if in.RiskAversion != nil {
		q = *in.RiskAversion
	}
	maxMu, maxSigma := 0.0, 0.0
	for i := 0; i < n; i++ {
		maxMu = math.Max(maxMu, math.Abs(in.ExpectedReturns[i]))
		for j := 0; j < n; j++ {
			maxSigma = math.Max(maxSigma, math.Abs(in.Covariance[i][j]))
		}
	}
	penalty := 1 + 2*(maxMu+q*maxSigma*float64(n))
	if in.Penalty != nil {
		penalty = *in.Penalty
	}
	if err := checkFinite("risk_aversion", q, penalty); err != nil {
		return nil, err
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = append([]float64(nil), in.Covariance[i]...)
	}
	return &contracts.PortfolioPayload{
		Assets:          assets,
		ExpectedReturns: append([]float64(nil), in.ExpectedReturns...),
		Covariance:      cov,
		Budget:          in.Budget,
		RiskAversion:    q,
		Penalty:         penalty,
		QUBO:            PortfolioQUBO(assets, in.ExpectedReturns, cov, in.Budget, q, penalty),
	}, nil
}

// PortfolioQUBO encodes min q*x'Σx - μ'x + P(Σx - B)² over binary x.
func PortfolioQUBO(assets []string, mu []float64, cov [][]float64, budget int, q, penalty float64) contracts.QUBOPayload {
	n := len(assets)
	b := float64(budget)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = q*cov[i][i] - mu[i] + penalty*(1-2*b)
		for j := i + 1; j < n; j++ {
			m[i][j] = q*(cov[i][j]+cov[j][i]) + 2*penalty
		}
	}
	return contracts.QUBOPayload{
		Variables:   append([]string(nil), assets...),
		Matrix:      m,
		Constraints: []contracts.Constraint{},
		Offset:      penalty * b * b,
	}
}

func normalizeCustom(raw json.RawMessage) (*contracts.CustomPayload, error) {
	var in contracts.CustomPayload
	if err := decodeStrict(raw, &in); err != nil {
		return nil, err
	}
	input := in.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	canon, err := canonical.Transform(input)
	if err != nil {
		return nil, contracts.NewValidationError("input", "%v", err)
	}
	return &contracts.CustomPayload{Solver: in.Solver, Input: canon}, nil
}
