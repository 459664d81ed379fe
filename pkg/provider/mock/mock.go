// Package mock provides a scripted adapter for tests and demos.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// Adapter answers from a script. The zero script succeeds on the first poll
// with an empty result.
type Adapter struct {
	mu sync.Mutex

	desc contracts.ProviderDescriptor

	// SubmitErrors are returned by successive Submit calls; nil entries and
	// calls beyond the slice succeed.
	SubmitErrors []error
	// Polls are returned by successive Poll calls for a handle; the last
	// entry repeats. Empty means SUCCEEDED.
	Polls []provider.PollResult
	// PollError, if set, is returned by every Poll.
	PollError error
	// Solve builds the fetched result. Nil returns an empty result.
	Solve func(spec *contracts.ProblemSpec) (*contracts.Result, error)
	// Health is reported by CheckHealth; empty means the descriptor's value.
	Health contracts.HealthStatus
	// Latency is reported by CheckHealth.
	Latency time.Duration
	// Block makes Submit wait until it is closed or the context ends.
	Block chan struct{}

	calls     map[string]int
	submitted int
	byProblem map[string]string
	jobs      map[string]*job
}

type job struct {
	spec      *contracts.ProblemSpec
	polls     int
	cancelled bool
}

// New creates a scripted adapter for desc.
func New(desc contracts.ProviderDescriptor) *Adapter {
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	return &Adapter{
		desc:      desc,
		calls:     make(map[string]int),
		byProblem: make(map[string]string),
		jobs:      make(map[string]*job),
	}
}

func (a *Adapter) Descriptor() contracts.ProviderDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.desc.Clone()
}

func (a *Adapter) Submit(ctx context.Context, spec *contracts.ProblemSpec) (string, error) {
	a.mu.Lock()
	a.calls["submit"]++
	block := a.Block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", provider.Transient(a.desc.ProviderID, "submit", ctx.Err())
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.byProblem[spec.ID]; ok {
		return h, nil
	}
	i := a.submitted
	a.submitted++
	if i < len(a.SubmitErrors) && a.SubmitErrors[i] != nil {
		return "", a.SubmitErrors[i]
	}
	handle := fmt.Sprintf("%s-%d", a.desc.ProviderID, i)
	a.byProblem[spec.ID] = handle
	a.jobs[handle] = &job{spec: spec}
	return handle, nil
}

func (a *Adapter) Poll(_ context.Context, handle string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["poll"]++
	j, ok := a.jobs[handle]
	if !ok {
		return provider.PollResult{}, provider.Permanent(a.desc.ProviderID, "poll", provider.ErrUnknownHandle)
	}
	if a.PollError != nil {
		return provider.PollResult{}, a.PollError
	}
	if j.cancelled {
		return provider.PollResult{Status: provider.StatusCancelled}, nil
	}
	if len(a.Polls) == 0 {
		return provider.PollResult{Status: provider.StatusSucceeded}, nil
	}
	idx := min(j.polls, len(a.Polls)-1)
	j.polls++
	return a.Polls[idx], nil
}

func (a *Adapter) Fetch(_ context.Context, handle string) (*contracts.Result, error) {
	a.mu.Lock()
	a.calls["fetch"]++
	j, ok := a.jobs[handle]
	solve := a.Solve
	a.mu.Unlock()
	if !ok {
		return nil, provider.Permanent(a.desc.ProviderID, "fetch", provider.ErrUnknownHandle)
	}
	res := &contracts.Result{}
	if solve != nil {
		var err error
		if res, err = solve(j.spec); err != nil {
			return nil, err
		}
	}
	res.ProviderID = a.desc.ProviderID
	return res, nil
}

// Cancel marks the handle cancelled.
func (a *Adapter) Cancel(_ context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["cancel"]++
	if j, ok := a.jobs[handle]; ok {
		j.cancelled = true
	}
	return nil
}

// CheckHealth reports the scripted health.
func (a *Adapter) CheckHealth(_ context.Context) (contracts.HealthStatus, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["health"]++
	h := a.Health
	if h == "" {
		h = a.desc.HealthStatus
	}
	return h, a.Latency, nil
}

// SetHealth changes the scripted health.
func (a *Adapter) SetHealth(h contracts.HealthStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Health = h
}

// Calls returns how often op was invoked.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// TotalCalls counts submit, poll, fetch and cancel calls.
func (a *Adapter) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls["submit"] + a.calls["poll"] + a.calls["fetch"] + a.calls["cancel"]
}
