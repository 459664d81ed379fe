package anneal

import (
	"context"
	"math"
	"math/rand/v2"
)

// Schedule controls one annealing run.
type Schedule struct {
	Sweeps   int
	Restarts int
	Seed     uint64
}

// Solution is the best state found.
type Solution struct {
	X        []uint8
	Energy   float64
	Feasible bool
	Sweeps   int
}

// Solve runs simulated annealing with a geometric temperature schedule. The
// same model, schedule and seed always give the same solution. It returns
// ctx.Err() if cancelled between sweeps.
func Solve(ctx context.Context, m *Model, s Schedule) (Solution, error) {
	if s.Sweeps <= 0 {
		s.Sweeps = 1000
	}
	if s.Restarts <= 0 {
		s.Restarts = 1
	}
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))

	t0 := math.Max(1, 2*m.maxCoef)
	t1 := t0 * 1e-3
	cool := math.Pow(t1/t0, 1/float64(max(1, s.Sweeps-1)))

	best := Solution{X: make([]uint8, m.n), Energy: math.Inf(1)}
	x := make([]uint8, m.n)
	lhs := make([]float64, len(m.cons))
	done := 0

	for r := 0; r < s.Restarts; r++ {
		for i := range x {
			x[i] = uint8(rng.IntN(2))
		}
		for k := range m.cons {
			lhs[k] = m.cons[k].lhs(x)
		}
		e := m.Energy(x)
		if e < best.Energy {
			best.Energy = e
			copy(best.X, x)
		}

		t := t0
		for sweep := 0; sweep < s.Sweeps; sweep++ {
			if sweep%16 == 0 {
				if err := ctx.Err(); err != nil {
					return best, err
				}
			}
			for i := 0; i < m.n; i++ {
				d := m.delta(x, lhs, i)
				if d <= 0 || rng.Float64() < math.Exp(-d/t) {
					m.flip(x, lhs, i)
					e += d
					if e < best.Energy-1e-12 {
						best.Energy = e
						copy(best.X, x)
					}
				}
			}
			t *= cool
			done++
		}
	}
	// Recompute to shed accumulated float error.
	best.Energy = m.Energy(best.X)
	best.Feasible = m.Feasible(best.X)
	best.Sweeps = done
	return best, nil
}

// delta is the energy change of flipping variable i.
func (m *Model) delta(x []uint8, lhs []float64, i int) float64 {
	sign := 1.0
	if x[i] == 1 {
		sign = -1
	}
	field := m.linear[i]
	row := m.w[i]
	for j := 0; j < m.n; j++ {
		if x[j] == 1 && j != i {
			field += row[j]
		}
	}
	d := sign * field
	for _, k := range m.byVar[i] {
		c := &m.cons[k]
		next := lhs[k] + sign*c.coef[i]
		d += c.cost(next) - c.cost(lhs[k])
	}
	return d
}

func (m *Model) flip(x []uint8, lhs []float64, i int) {
	sign := 1.0
	if x[i] == 1 {
		sign = -1
	}
	for _, k := range m.byVar[i] {
		lhs[k] += sign * m.cons[k].coef[i]
	}
	x[i] ^= 1
}
