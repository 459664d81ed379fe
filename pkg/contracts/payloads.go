package contracts

import "encoding/json"

// Constraint senses.
const (
	SenseLE = "<="
	SenseGE = ">="
	SenseEQ = "=="
)

// Constraint is a linear constraint over named binary variables.
type Constraint struct {
	Coefficients map[string]float64 `json:"coefficients"`
	Sense        string             `json:"sense"`
	RHS          float64            `json:"rhs"`
	Penalty      float64            `json:"penalty,omitempty"`
}

// QUBOPayload is the canonical QUBO form: an upper-triangular weight matrix
// over binary variables plus optional penalty constraints.
type QUBOPayload struct {
	Variables   []string     `json:"variables"`
	Matrix      [][]float64  `json:"matrix"`
	Constraints []Constraint `json:"constraints"`
	Offset      float64      `json:"offset,omitempty"`
}

// IsingPayload is the canonical Ising form: local fields h and couplings J over spins.
type IsingPayload struct {
	Spins     []string    `json:"spins"`
	Fields    []float64   `json:"h"`
	Couplings [][]float64 `json:"j"`
	Offset    float64     `json:"offset,omitempty"`
}

// TextPayload is a canonical text-generation request.
type TextPayload struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// PortfolioPayload is a mean-variance asset selection problem. The normalizer
// derives the equivalent QUBO so any QUBO-capable solver can take it.
type PortfolioPayload struct {
	Assets          []string    `json:"assets"`
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
	Budget          int         `json:"budget"`
	RiskAversion    float64     `json:"risk_aversion"`
	Penalty         float64     `json:"penalty"`
	QUBO            QUBOPayload `json:"qubo"`
}

// CustomPayload is an opaque problem for a named solver module.
type CustomPayload struct {
	Solver string          `json:"solver"`
	Input  json.RawMessage `json:"input"`
}
