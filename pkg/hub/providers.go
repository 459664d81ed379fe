package hub

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
	"github.com/Mindburn-Labs/qhub/pkg/provider/anneal"
	"github.com/Mindburn-Labs/qhub/pkg/provider/llm"
	"github.com/Mindburn-Labs/qhub/pkg/provider/mock"
	"github.com/Mindburn-Labs/qhub/pkg/provider/remote"
	"github.com/Mindburn-Labs/qhub/pkg/provider/wasm"
	"github.com/Mindburn-Labs/qhub/pkg/registry"
)

// NewAdapter constructs the adapter declared by p.
func NewAdapter(ctx context.Context, p config.ProviderConfig) (provider.Adapter, error) {
	desc, err := p.Descriptor()
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case config.AdapterAnneal:
		return anneal.New(desc, anneal.Options{
			Sweeps:        p.Sweeps,
			Restarts:      p.Restarts,
			Seed:          p.Seed,
			MaxConcurrent: p.MaxConcurrent,
		}), nil
	case config.AdapterRemote:
		return remote.New(desc, remote.Config{
			BaseURL:          p.BaseURL,
			Token:            p.Token(),
			Timeout:          p.Timeout,
			BreakerThreshold: p.BreakerThreshold,
			BreakerReset:     p.BreakerReset,
		})
	case config.AdapterLLM:
		return llm.New(desc, llm.Config{
			BaseURL: p.BaseURL,
			APIKey:  p.Token(),
			Model:   p.Model,
			Timeout: p.Timeout,
		}), nil
	case config.AdapterWASM:
		modules, err := wasm.LoadDir(p.ModuleDir)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		return wasm.New(ctx, desc, wasm.Config{
			MemoryLimitBytes: p.MemoryLimitMiB << 20,
			RunTimeout:       p.Timeout,
		}, modules)
	case config.AdapterMock:
		return mock.New(desc), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
	}
}

// registerProviders fills reg with guarded adapters and returns the closers
// of adapters that hold resources.
func registerProviders(ctx context.Context, reg *registry.Registry, providers []config.ProviderConfig, callTimeout time.Duration) ([]io.Closer, error) {
	var closers []io.Closer
	for _, p := range providers {
		a, err := NewAdapter(ctx, p)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		if c, ok := a.(io.Closer); ok {
			closers = append(closers, c)
		}
		if err := reg.RegisterAdapter(provider.Guard(a, callTimeout)); err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("register provider %s: %w", p.ID, err)
		}
	}
	return closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}
