package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// DefaultSweepInterval is how often provider health is refreshed.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically asks each adapter for its health and records the
// answer in the registry. An adapter whose check fails is marked DOWN.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over reg. Non-positive interval uses the default.
func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		reg:      reg,
		interval: interval,
		timeout:  interval / 2,
		logger:   slog.Default().With("component", "health_sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce checks all adapters concurrently and waits for the results.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for id, a := range s.reg.Adapters() {
		hc, ok := a.(provider.HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.check(ctx, id, hc)
		}()
	}
	wg.Wait()
}

func (s *Sweeper) check(ctx context.Context, id string, hc provider.HealthChecker) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status, latency, err := hc.CheckHealth(ctx)
	if err != nil {
		s.logger.Warn("health check failed", "provider_id", id, "error", err)
		status, latency = contracts.HealthDown, 0
	}
	prev, _ := s.reg.Get(id)
	if err := s.reg.ObserveHealth(id, status, latency); err != nil {
		// Unregistered between listing and checking.
		return
	}
	if prev.HealthStatus != status {
		s.logger.Info("provider health changed", "provider_id", id, "from", prev.HealthStatus, "to", status)
	}
}
