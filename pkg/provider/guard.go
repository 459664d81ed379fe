package provider

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

const instrumentationName = "github.com/Mindburn-Labs/qhub/pkg/provider"

// DefaultCallTimeout bounds a single adapter call.
const DefaultCallTimeout = 30 * time.Second

// Guarded wraps an Adapter so every call has a bounded timeout and is
// counted. A call that runs out of time becomes a TransientError.
type Guarded struct {
	inner    Adapter
	id       string
	timeout  time.Duration
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// Guard wraps a. A non-positive timeout uses DefaultCallTimeout.
func Guard(a Adapter, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	meter := otel.Meter(instrumentationName)
	calls, _ := meter.Int64Counter("qhub.provider.calls",
		metric.WithDescription("Adapter calls by provider, operation and outcome"))
	duration, _ := meter.Float64Histogram("qhub.provider.call.duration",
		metric.WithDescription("Adapter call latency"), metric.WithUnit("s"))
	return &Guarded{
		inner:    a,
		id:       a.Descriptor().ProviderID,
		timeout:  timeout,
		calls:    calls,
		duration: duration,
	}
}

// Unwrap returns the wrapped adapter.
func (g *Guarded) Unwrap() Adapter { return g.inner }

func (g *Guarded) Descriptor() contracts.ProviderDescriptor {
	return g.inner.Descriptor()
}

func (g *Guarded) Submit(ctx context.Context, spec *contracts.ProblemSpec) (string, error) {
	var handle string
	err := g.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		handle, err = g.inner.Submit(ctx, spec)
		return err
	})
	return handle, err
}

func (g *Guarded) Poll(ctx context.Context, handle string) (PollResult, error) {
	var res PollResult
	err := g.call(ctx, "poll", func(ctx context.Context) error {
		var err error
		res, err = g.inner.Poll(ctx, handle)
		return err
	})
	return res, err
}

func (g *Guarded) Fetch(ctx context.Context, handle string) (*contracts.Result, error) {
	var res *contracts.Result
	err := g.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		res, err = g.inner.Fetch(ctx, handle)
		return err
	})
	return res, err
}

// Cancel forwards to the wrapped adapter when it supports cancellation.
func (g *Guarded) Cancel(ctx context.Context, handle string) error {
	c, ok := g.inner.(Canceler)
	if !ok {
		return nil
	}
	return g.call(ctx, "cancel", func(ctx context.Context) error {
		return c.Cancel(ctx, handle)
	})
}

// CheckHealth forwards to the wrapped adapter, or reports the descriptor's
// static health when it has no checker.
func (g *Guarded) CheckHealth(ctx context.Context) (contracts.HealthStatus, time.Duration, error) {
	hc, ok := g.inner.(HealthChecker)
	if !ok {
		d := g.inner.Descriptor()
		return d.HealthStatus, d.AverageLatency, nil
	}
	var (
		status  contracts.HealthStatus
		latency time.Duration
	)
	err := g.call(ctx, "health", func(ctx context.Context) error {
		var err error
		status, latency, err = hc.CheckHealth(ctx)
		return err
	})
	return status, latency, err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = Transient(g.id, op, context.DeadlineExceeded)
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", g.id),
		attribute.String("op", op),
		attribute.String("outcome", Classify(err)),
	)
	g.calls.Add(ctx, 1, attrs)
	g.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	return err
}
