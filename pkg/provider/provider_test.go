package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
	"github.com/Mindburn-Labs/qhub/pkg/provider/mock"
)

func TestGuard_TimeoutBecomesTransient(t *testing.T) {
	m := mock.New(contracts.ProviderDescriptor{ProviderID: "slow"})
	m.Block = make(chan struct{})
	g := provider.Guard(m, 20*time.Millisecond)

	_, err := g.Submit(context.Background(), &contracts.ProblemSpec{ID: "p1"})
	require.Error(t, err)
	var te *provider.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "slow", te.Provider)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, provider.IsPermanent(err))
	assert.Equal(t, "timeout", provider.Classify(err), "a timed-out call is transient but labelled apart")
}

func TestGuard_PassesThroughPermanent(t *testing.T) {
	m := mock.New(contracts.ProviderDescriptor{ProviderID: "p"})
	m.SubmitErrors = []error{provider.Permanent("p", "submit", errors.New("too big"))}
	g := provider.Guard(m, time.Second)

	_, err := g.Submit(context.Background(), &contracts.ProblemSpec{ID: "p1"})
	assert.True(t, provider.IsPermanent(err))
	assert.Equal(t, "permanent", provider.Classify(err))

	h, err := g.Submit(context.Background(), &contracts.ProblemSpec{ID: "p1"})
	require.NoError(t, err)
	again, err := g.Submit(context.Background(), &contracts.ProblemSpec{ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, h, again, "submit deduplicates on problem id")
}

func TestGuard_HealthFallsBackToDescriptor(t *testing.T) {
	a := staticAdapter{desc: contracts.ProviderDescriptor{ProviderID: "s", HealthStatus: contracts.HealthDegraded, AverageLatency: time.Second}}
	status, latency, err := provider.Guard(a, 0).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthDegraded, status)
	assert.Equal(t, time.Second, latency)
	assert.NoError(t, provider.Guard(a, 0).Cancel(context.Background(), "h"))
}

func TestCircuitBreaker(t *testing.T) {
	cb := provider.NewCircuitBreaker(2, 50*time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow(), "open after threshold")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow(), "half-open trial call")
	assert.False(t, cb.Allow(), "only one trial call")
	cb.Failure()
	assert.True(t, cb.Open())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.False(t, cb.Open())
	assert.True(t, cb.Allow())
}

type staticAdapter struct {
	desc contracts.ProviderDescriptor
}

func (s staticAdapter) Descriptor() contracts.ProviderDescriptor { return s.desc }

func (s staticAdapter) Submit(context.Context, *contracts.ProblemSpec) (string, error) {
	return "h", nil
}

func (s staticAdapter) Poll(context.Context, string) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusSucceeded}, nil
}

func (s staticAdapter) Fetch(context.Context, string) (*contracts.Result, error) {
	return &contracts.Result{ProviderID: s.desc.ProviderID}, nil
}
