package anneal

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Model is a binary quadratic model: offset + Σ lin_i x_i + Σ_{i<j} W_ij x_i x_j
// plus squared penalties for violated linear constraints.
type Model struct {
	n       int
	linear  []float64
	w       [][]float64 // symmetric, zero diagonal
	offset  float64
	cons    []constraint
	byVar   [][]int // constraint indexes per variable
	spins   bool    // report assignments as ±1
	maxCoef float64
}

type constraint struct {
	coef    []float64
	sense   string
	rhs     float64
	penalty float64
}

func newModel(n int) *Model {
	m := &Model{n: n, linear: make([]float64, n), w: make([][]float64, n), byVar: make([][]int, n)}
	for i := range m.w {
		m.w[i] = make([]float64, n)
	}
	return m
}

func (m *Model) addPair(i, j int, v float64) {
	if i == j {
		m.linear[i] += v
		return
	}
	m.w[i][j] += v
	m.w[j][i] += v
}

func (m *Model) scale() {
	for i := 0; i < m.n; i++ {
		m.maxCoef = math.Max(m.maxCoef, math.Abs(m.linear[i]))
		for j := i + 1; j < m.n; j++ {
			m.maxCoef = math.Max(m.maxCoef, math.Abs(m.w[i][j]))
		}
	}
}

// FromQUBO builds a model from a QUBO payload. Q[i][j] and Q[j][i] both
// contribute to the i,j pair.
func FromQUBO(p contracts.QUBOPayload) (*Model, error) {
	n := len(p.Matrix)
	if n == 0 {
		return nil, fmt.Errorf("empty QUBO matrix")
	}
	m := newModel(n)
	for i, row := range p.Matrix {
		if len(row) != n {
			return nil, fmt.Errorf("QUBO row %d has %d entries, want %d", i, len(row), n)
		}
		for j, v := range row {
			m.addPair(i, j, v)
		}
	}
	m.offset = p.Offset
	m.scale()

	index := make(map[string]int, len(p.Variables))
	for i, name := range p.Variables {
		index[name] = i
	}
	for k, c := range p.Constraints {
		coef := make([]float64, n)
		for name, v := range c.Coefficients {
			i, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("constraint %d references unknown variable %q", k, name)
			}
			coef[i] = v
			m.byVar[i] = append(m.byVar[i], len(m.cons))
		}
		penalty := c.Penalty
		if penalty <= 0 {
			penalty = 10 * (1 + m.maxCoef)
		}
		m.cons = append(m.cons, constraint{coef: coef, sense: c.Sense, rhs: c.RHS, penalty: penalty})
	}
	return m, nil
}

// FromIsing maps spins s = 2x-1 onto binary variables.
func FromIsing(p contracts.IsingPayload) (*Model, error) {
	n := len(p.Fields)
	if n == 0 {
		return nil, fmt.Errorf("empty Ising model")
	}
	if len(p.Couplings) != 0 && len(p.Couplings) != n {
		return nil, fmt.Errorf("coupling matrix has %d rows, want %d", len(p.Couplings), n)
	}
	m := newModel(n)
	m.spins = true
	m.offset = p.Offset
	for i, h := range p.Fields {
		// h(2x-1)
		m.linear[i] += 2 * h
		m.offset -= h
	}
	for i, row := range p.Couplings {
		if len(row) != n {
			return nil, fmt.Errorf("coupling row %d has %d entries, want %d", i, len(row), n)
		}
		for j, v := range row {
			if v == 0 {
				continue
			}
			if i == j {
				// s_i^2 = 1
				m.offset += v
				continue
			}
			// J(2x_i-1)(2x_j-1) = 4J x_i x_j - 2J x_i - 2J x_j + J
			m.addPair(i, j, 4*v)
			m.linear[i] -= 2 * v
			m.linear[j] -= 2 * v
			m.offset += v
		}
	}
	m.scale()
	return m, nil
}

// Size is the number of variables.
func (m *Model) Size() int { return m.n }

// Energy evaluates the model at x.
func (m *Model) Energy(x []uint8) float64 {
	e := m.offset
	for i := 0; i < m.n; i++ {
		if x[i] == 0 {
			continue
		}
		e += m.linear[i]
		for j := i + 1; j < m.n; j++ {
			if x[j] == 1 {
				e += m.w[i][j]
			}
		}
	}
	for k := range m.cons {
		e += m.cons[k].cost(m.cons[k].lhs(x))
	}
	return e
}

func (c *constraint) lhs(x []uint8) float64 {
	var s float64
	for i, v := range c.coef {
		if x[i] == 1 {
			s += v
		}
	}
	return s
}

func (c *constraint) cost(lhs float64) float64 {
	var viol float64
	switch c.sense {
	case contracts.SenseLE:
		viol = math.Max(0, lhs-c.rhs)
	case contracts.SenseGE:
		viol = math.Max(0, c.rhs-lhs)
	default:
		viol = lhs - c.rhs
	}
	return c.penalty * viol * viol
}

// Feasible reports whether x satisfies every constraint.
func (m *Model) Feasible(x []uint8) bool {
	for k := range m.cons {
		if m.cons[k].cost(m.cons[k].lhs(x)) > 1e-9 {
			return false
		}
	}
	return true
}

// Assignment converts x to the reported form: 0/1, or ±1 for Ising models.
func (m *Model) Assignment(x []uint8) []int {
	out := make([]int, len(x))
	for i, v := range x {
		switch {
		case m.spins && v == 0:
			out[i] = -1
		default:
			out[i] = int(v)
		}
	}
	return out
}
