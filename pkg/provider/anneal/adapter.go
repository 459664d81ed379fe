// Package anneal is an in-process classical solver for QUBO, Ising and
// portfolio problems using simulated annealing.
package anneal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// Options tune the solver. Zero values use defaults.
type Options struct {
	Sweeps        int
	Restarts      int
	Seed          uint64 // 0 derives the seed from the problem id
	MaxConcurrent int
}

// Adapter runs each submitted problem in its own goroutine.
type Adapter struct {
	desc   contracts.ProviderDescriptor
	opts   Options
	sem    chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	byProblem map[string]string
	runs      map[string]*run
	closed    bool
	wg        sync.WaitGroup
}

type run struct {
	spec    *contracts.ProblemSpec
	cancel  context.CancelFunc
	started time.Time
	status  provider.Status
	sol     Solution
	model   *Model
	seed    uint64
	err     error
	elapsed time.Duration
}

// New creates an annealing adapter. Supported kinds default to QUBO, ISING
// and PORTFOLIO.
func New(desc contracts.ProviderDescriptor, opts Options) *Adapter {
	if len(desc.SupportedKinds) == 0 {
		desc.SupportedKinds = []contracts.ProblemKind{contracts.KindQUBO, contracts.KindIsing, contracts.KindPortfolio}
	}
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Adapter{
		desc:      desc,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		logger:    slog.Default().With("component", "anneal", "provider_id", desc.ProviderID),
		byProblem: make(map[string]string),
		runs:      make(map[string]*run),
	}
}

func (a *Adapter) Descriptor() contracts.ProviderDescriptor {
	return a.desc.Clone()
}

func (a *Adapter) model(spec *contracts.ProblemSpec) (*Model, error) {
	switch spec.Kind {
	case contracts.KindQUBO:
		var p contracts.QUBOPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		return FromQUBO(p)
	case contracts.KindPortfolio:
		var p contracts.PortfolioPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		return FromQUBO(p.QUBO)
	case contracts.KindIsing:
		var p contracts.IsingPayload
		if err := spec.DecodePayload(&p); err != nil {
			return nil, err
		}
		return FromIsing(p)
	default:
		return nil, fmt.Errorf("unsupported kind %s", spec.Kind)
	}
}

func (a *Adapter) Submit(_ context.Context, spec *contracts.ProblemSpec) (string, error) {
	id := a.desc.ProviderID
	if !a.desc.Supports(spec.Kind) {
		return "", provider.Permanent(id, "submit", fmt.Errorf("kind %s not supported", spec.Kind))
	}
	if !a.desc.CapacityLimits.Fits(spec.Size) {
		return "", provider.Permanent(id, "submit", fmt.Errorf("%d variables exceed capacity %d", spec.Size.Variables, a.desc.CapacityLimits.MaxVariables))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", provider.Transient(id, "submit", errors.New("adapter closed"))
	}
	if h, ok := a.byProblem[spec.ID]; ok {
		return h, nil
	}
	m, err := a.model(spec)
	if err != nil {
		return "", provider.Permanent(id, "submit", err)
	}

	seed := a.opts.Seed
	if seed == 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(spec.ID))
		seed = h.Sum64()
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := uuid.NewString()
	r := &run{spec: spec, cancel: cancel, status: provider.StatusPending, model: m, seed: seed}
	a.byProblem[spec.ID] = handle
	a.runs[handle] = r

	a.wg.Add(1)
	go a.solve(ctx, handle, r)
	return handle, nil
}

func (a *Adapter) solve(ctx context.Context, handle string, r *run) {
	defer a.wg.Done()
	defer r.cancel()

	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		a.finish(r, Solution{}, ctx.Err(), 0)
		return
	}

	a.mu.Lock()
	r.status = provider.StatusRunning
	r.started = time.Now()
	a.mu.Unlock()

	sol, err := Solve(ctx, r.model, Schedule{Sweeps: a.opts.Sweeps, Restarts: a.opts.Restarts, Seed: r.seed})
	a.finish(r, sol, err, time.Since(r.started))
	a.logger.Debug("anneal finished", "handle", handle, "energy", sol.Energy, "error", err)
}

func (a *Adapter) finish(r *run, sol Solution, err error, elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r.elapsed = elapsed
	switch {
	case errors.Is(err, context.Canceled):
		r.status = provider.StatusCancelled
	case err != nil:
		r.status = provider.StatusFailed
		r.err = err
	default:
		r.status = provider.StatusSucceeded
		r.sol = sol
	}
}

func (a *Adapter) Poll(_ context.Context, handle string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[handle]
	if !ok {
		return provider.PollResult{}, provider.Permanent(a.desc.ProviderID, "poll", provider.ErrUnknownHandle)
	}
	res := provider.PollResult{Status: r.status}
	if r.err != nil {
		res.Message = r.err.Error()
	}
	return res, nil
}

func (a *Adapter) Fetch(_ context.Context, handle string) (*contracts.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[handle]
	if !ok {
		return nil, provider.Permanent(a.desc.ProviderID, "fetch", provider.ErrUnknownHandle)
	}
	if r.status != provider.StatusSucceeded {
		return nil, provider.Transient(a.desc.ProviderID, "fetch", fmt.Errorf("run is %s", r.status))
	}
	energy := r.sol.Energy
	return &contracts.Result{
		ProviderID: a.desc.ProviderID,
		Assignment: r.model.Assignment(r.sol.X),
		Energy:     &energy,
		Usage:      contracts.Usage{Units: r.spec.Units, RuntimeMs: r.elapsed.Milliseconds()},
		Metadata: map[string]string{
			"solver":   "simulated_annealing",
			"sweeps":   strconv.Itoa(r.sol.Sweeps),
			"seed":     strconv.FormatUint(r.seed, 10),
			"feasible": strconv.FormatBool(r.sol.Feasible),
		},
	}, nil
}

// Cancel stops a pending or running solve.
func (a *Adapter) Cancel(_ context.Context, handle string) error {
	a.mu.Lock()
	r, ok := a.runs[handle]
	a.mu.Unlock()
	if !ok {
		return provider.Permanent(a.desc.ProviderID, "cancel", provider.ErrUnknownHandle)
	}
	r.cancel()
	return nil
}

// CheckHealth reports DEGRADED while every solver slot is busy.
func (a *Adapter) CheckHealth(_ context.Context) (contracts.HealthStatus, time.Duration, error) {
	if len(a.sem) == cap(a.sem) {
		return contracts.HealthDegraded, 0, nil
	}
	return contracts.HealthHealthy, 0, nil
}

// Close cancels all runs and waits for their goroutines.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	for _, r := range a.runs {
		r.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
