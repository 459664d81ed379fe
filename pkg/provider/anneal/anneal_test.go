package anneal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

func quboSpec(t *testing.T, id string, p contracts.QUBOPayload) *contracts.ProblemSpec {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &contracts.ProblemSpec{ID: id, Kind: contracts.KindQUBO, Payload: raw, Size: contracts.ProblemSize{Variables: len(p.Matrix)}, Units: 4}
}

func waitStatus(t *testing.T, a *Adapter, handle string) provider.PollResult {
	t.Helper()
	var res provider.PollResult
	require.Eventually(t, func() bool {
		var err error
		res, err = a.Poll(context.Background(), handle)
		require.NoError(t, err)
		return res.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return res
}

func TestSolve_FindsGroundState(t *testing.T) {
	// Minimum -3 at x = (1, 0, 1).
	m, err := FromQUBO(contracts.QUBOPayload{Matrix: [][]float64{
		{-1, 2, 0},
		{0, -1, 2},
		{0, 0, -2},
	}})
	require.NoError(t, err)

	sol, err := Solve(context.Background(), m, Schedule{Sweeps: 200, Restarts: 2, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 0, 1}, sol.X)
	assert.InDelta(t, -3.0, sol.Energy, 1e-9)
}

func TestSolve_Deterministic(t *testing.T) {
	m, err := FromQUBO(contracts.QUBOPayload{Matrix: [][]float64{{1, -3, 2}, {0, 1, -1}, {0, 0, 0.5}}})
	require.NoError(t, err)
	a, err := Solve(context.Background(), m, Schedule{Sweeps: 50, Seed: 42})
	require.NoError(t, err)
	b, err := Solve(context.Background(), m, Schedule{Sweeps: 50, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSolve_RespectsConstraint(t *testing.T) {
	// Every variable wants to be 1, but exactly one may be.
	m, err := FromQUBO(contracts.QUBOPayload{
		Variables: []string{"a", "b", "c"},
		Matrix:    [][]float64{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
		Constraints: []contracts.Constraint{{
			Coefficients: map[string]float64{"a": 1, "b": 1, "c": 1},
			Sense:        contracts.SenseEQ,
			RHS:          1,
		}},
	})
	require.NoError(t, err)
	sol, err := Solve(context.Background(), m, Schedule{Sweeps: 300, Restarts: 3, Seed: 1})
	require.NoError(t, err)
	assert.True(t, sol.Feasible)
	ones := 0
	for _, v := range sol.X {
		ones += int(v)
	}
	assert.Equal(t, 1, ones)
}

func TestFromIsing_EnergyMatchesSpins(t *testing.T) {
	p := contracts.IsingPayload{
		Fields:    []float64{0.5, -1},
		Couplings: [][]float64{{0, 1}, {0, 0}},
		Offset:    0.25,
	}
	m, err := FromIsing(p)
	require.NoError(t, err)
	for _, x := range [][]uint8{{0, 0}, {0, 1}, {1, 0}, {1, 1}} {
		s := m.Assignment(x)
		want := p.Offset + p.Fields[0]*float64(s[0]) + p.Fields[1]*float64(s[1]) + p.Couplings[0][1]*float64(s[0]*s[1])
		assert.InDelta(t, want, m.Energy(x), 1e-9, "x=%v", x)
	}
}

func TestAdapter_SubmitPollFetch(t *testing.T) {
	a := New(contracts.ProviderDescriptor{ProviderID: "anneal-a"}, Options{Sweeps: 100})
	defer func() { _ = a.Close() }()

	spec := quboSpec(t, "p1", contracts.QUBOPayload{Matrix: [][]float64{{1, -1}, {-1, 1}}})
	h, err := a.Submit(context.Background(), spec)
	require.NoError(t, err)
	again, err := a.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, h, again)

	assert.Equal(t, provider.StatusSucceeded, waitStatus(t, a, h).Status)
	res, err := a.Fetch(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, res.Energy)
	assert.InDelta(t, 0.0, *res.Energy, 1e-9)
	assert.Equal(t, "anneal-a", res.ProviderID)
	assert.Len(t, res.Assignment, 2)
	assert.Equal(t, 4.0, res.Usage.Units)
}

func TestAdapter_CapacityIsPermanent(t *testing.T) {
	a := New(contracts.ProviderDescriptor{ProviderID: "small", CapacityLimits: contracts.CapacityLimits{MaxVariables: 1}}, Options{})
	defer func() { _ = a.Close() }()
	_, err := a.Submit(context.Background(), quboSpec(t, "p1", contracts.QUBOPayload{Matrix: [][]float64{{1, 0}, {0, 1}}}))
	assert.True(t, provider.IsPermanent(err))
}

func TestAdapter_Cancel(t *testing.T) {
	a := New(contracts.ProviderDescriptor{ProviderID: "anneal-c"}, Options{Sweeps: 1 << 30})
	defer func() { _ = a.Close() }()

	n := 64
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		for j := i; j < n; j++ {
			matrix[i][j] = float64((i*7+j*3)%5) - 2
		}
	}
	h, err := a.Submit(context.Background(), quboSpec(t, "big", contracts.QUBOPayload{Matrix: matrix}))
	require.NoError(t, err)
	require.NoError(t, a.Cancel(context.Background(), h))
	assert.Equal(t, provider.StatusCancelled, waitStatus(t, a, h).Status)

	_, err = a.Fetch(context.Background(), h)
	assert.Error(t, err)
}
