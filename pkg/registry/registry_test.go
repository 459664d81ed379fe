package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider/mock"
)

func desc(id string, health contracts.HealthStatus, latency time.Duration, cost float64) contracts.ProviderDescriptor {
	return contracts.ProviderDescriptor{
		ProviderID:     id,
		SupportedKinds: []contracts.ProblemKind{contracts.KindQUBO},
		HealthStatus:   health,
		AverageLatency: latency,
		CostModel:      contracts.CostModel{PerUnit: cost},
	}
}

func ids(list []contracts.ProviderDescriptor) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.ProviderID
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := New()

	t.Run("List orders by health, latency, cost", func(t *testing.T) {
		require.NoError(t, r.Register(desc("slow", contracts.HealthHealthy, 2*time.Second, 0.1), nil))
		require.NoError(t, r.Register(desc("fast-pricey", contracts.HealthHealthy, time.Second, 0.5), nil))
		require.NoError(t, r.Register(desc("fast-cheap", contracts.HealthHealthy, time.Second, 0.2), nil))
		require.NoError(t, r.Register(desc("degraded", contracts.HealthDegraded, time.Millisecond, 0.01), nil))
		require.NoError(t, r.Register(desc("down", contracts.HealthDown, 0, 0), nil))

		assert.Equal(t, []string{"fast-cheap", "fast-pricey", "slow", "degraded"}, ids(r.List(contracts.KindQUBO)))
		assert.Empty(t, r.List(contracts.KindTextGeneration))
		assert.Len(t, r.All(), 5)
	})

	t.Run("Register replaces", func(t *testing.T) {
		d := desc("slow", contracts.HealthHealthy, 10*time.Millisecond, 0.1)
		require.NoError(t, r.Register(d, nil))
		assert.Equal(t, "slow", r.List(contracts.KindQUBO)[0].ProviderID)
		assert.Len(t, r.All(), 5)
	})

	t.Run("UpdateHealth", func(t *testing.T) {
		require.NoError(t, r.UpdateHealth("down", contracts.HealthHealthy))
		assert.Contains(t, ids(r.List(contracts.KindQUBO)), "down")
		require.NoError(t, r.UpdateHealth("down", contracts.HealthDown))
		assert.NotContains(t, ids(r.List(contracts.KindQUBO)), "down")

		assert.ErrorIs(t, r.UpdateHealth("missing", contracts.HealthDown), contracts.ErrNotFound)
		assert.True(t, contracts.IsValidation(r.UpdateHealth("slow", "BROKEN")))
	})

	t.Run("Validation", func(t *testing.T) {
		d := desc("", contracts.HealthHealthy, 0, 0)
		assert.True(t, contracts.IsValidation(r.Register(d, nil)))

		d = desc("v", contracts.HealthHealthy, 0, 0)
		d.AdapterVersion = "one"
		assert.True(t, contracts.IsValidation(r.Register(d, nil)))

		d.AdapterVersion = "1.4.0"
		assert.NoError(t, r.Register(d, nil))
	})

	t.Run("Adapter lookup", func(t *testing.T) {
		a := mock.New(desc("m", contracts.HealthHealthy, 0, 0))
		require.NoError(t, r.RegisterAdapter(a))
		got, err := r.Adapter("m")
		require.NoError(t, err)
		assert.Same(t, a, got)

		_, err = r.Adapter("slow")
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestRegistry_LatencyEWMA(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("p", contracts.HealthHealthy, 0, 0), nil))

	require.NoError(t, r.ObserveHealth("p", contracts.HealthHealthy, 100*time.Millisecond))
	d, _ := r.Get("p")
	assert.Equal(t, 100*time.Millisecond, d.AverageLatency)

	require.NoError(t, r.ObserveHealth("p", contracts.HealthHealthy, 200*time.Millisecond))
	d, _ = r.Get("p")
	assert.Equal(t, 130*time.Millisecond, d.AverageLatency)
}

func TestSweeper(t *testing.T) {
	r := New()
	a := mock.New(desc("a", contracts.HealthHealthy, 0, 0))
	b := mock.New(desc("b", contracts.HealthHealthy, 0, 0))
	a.Latency = 50 * time.Millisecond
	require.NoError(t, r.RegisterAdapter(a))
	require.NoError(t, r.RegisterAdapter(b))

	b.SetHealth(contracts.HealthDown)
	NewSweeper(r, time.Minute).SweepOnce(context.Background())

	assert.Equal(t, []string{"a"}, ids(r.List(contracts.KindQUBO)))
	d, _ := r.Get("a")
	assert.Equal(t, 50*time.Millisecond, d.AverageLatency)

	b.SetHealth(contracts.HealthDegraded)
	NewSweeper(r, time.Minute).SweepOnce(context.Background())
	assert.Equal(t, []string{"a", "b"}, ids(r.List(contracts.KindQUBO)))
	assert.Equal(t, 2, b.Calls("health"))
}
