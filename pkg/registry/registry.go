// Package registry is the capability registry: the set of providers the hub
// can route to, with their last observed health.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// ErrProviderNotFound is returned for unknown provider ids.
var ErrProviderNotFound = fmt.Errorf("provider %w", contracts.ErrNotFound)

// The newest sample weighs latencyWeight tenths in the latency EWMA.
const latencyWeight = 3

type entry struct {
	desc    contracts.ProviderDescriptor
	adapter provider.Adapter
}

// Registry is safe for concurrent use. Readers may see health up to one
// sweep interval old.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*entry
	now       func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]*entry),
		now:       time.Now,
	}
}

// WithClock replaces the clock used for UpdatedAt.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register adds or replaces the provider with desc.ProviderID. The adapter
// may be nil for descriptor-only entries.
func (r *Registry) Register(desc contracts.ProviderDescriptor, a provider.Adapter) error {
	if err := validate(desc); err != nil {
		return err
	}
	desc = desc.Clone()
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	desc.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[desc.ProviderID] = &entry{desc: desc, adapter: a}
	return nil
}

// RegisterAdapter registers a using its own descriptor.
func (r *Registry) RegisterAdapter(a provider.Adapter) error {
	if a == nil {
		return errors.New("nil adapter")
	}
	return r.Register(a.Descriptor(), a)
}

func validate(desc contracts.ProviderDescriptor) error {
	if desc.ProviderID == "" {
		return contracts.NewValidationError("provider_id", "required")
	}
	if len(desc.SupportedKinds) == 0 {
		return contracts.NewValidationError("supported_kinds", "provider %s supports no kinds", desc.ProviderID)
	}
	for _, k := range desc.SupportedKinds {
		if _, err := contracts.ParseProblemKind(string(k)); err != nil {
			return err
		}
	}
	if desc.CostModel.PerUnit < 0 {
		return contracts.NewValidationError("cost_model.per_unit", "must not be negative")
	}
	if desc.AdapterVersion != "" {
		if _, err := semver.NewVersion(desc.AdapterVersion); err != nil {
			return contracts.NewValidationError("adapter_version", "%q is not a semantic version", desc.AdapterVersion)
		}
	}
	return nil
}

// Unregister removes a provider.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return ErrProviderNotFound
	}
	delete(r.providers, id)
	return nil
}

// List returns providers supporting kind that are not DOWN, best first:
// health, then average latency, then unit cost. Provider id breaks ties.
func (r *Registry) List(kind contracts.ProblemKind) []contracts.ProviderDescriptor {
	r.mu.RLock()
	out := make([]contracts.ProviderDescriptor, 0, len(r.providers))
	for _, e := range r.providers {
		if e.desc.HealthStatus == contracts.HealthDown || !e.desc.Supports(kind) {
			continue
		}
		out = append(out, e.desc.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b contracts.ProviderDescriptor) int {
		return cmp.Or(
			cmp.Compare(a.HealthStatus.Rank(), b.HealthStatus.Rank()),
			cmp.Compare(a.AverageLatency, b.AverageLatency),
			cmp.Compare(a.CostModel.PerUnit, b.CostModel.PerUnit),
			cmp.Compare(a.ProviderID, b.ProviderID),
		)
	})
	return out
}

// All returns every provider, DOWN included, ordered by id.
func (r *Registry) All() []contracts.ProviderDescriptor {
	r.mu.RLock()
	out := make([]contracts.ProviderDescriptor, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.desc.Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b contracts.ProviderDescriptor) int {
		return cmp.Compare(a.ProviderID, b.ProviderID)
	})
	return out
}

// Get returns the current descriptor of id.
func (r *Registry) Get(id string) (contracts.ProviderDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok {
		return contracts.ProviderDescriptor{}, ErrProviderNotFound
	}
	return e.desc.Clone(), nil
}

// Adapter returns the adapter registered for id.
func (r *Registry) Adapter(id string) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok || e.adapter == nil {
		return nil, ErrProviderNotFound
	}
	return e.adapter, nil
}

// UpdateHealth sets the health of id.
func (r *Registry) UpdateHealth(id string, status contracts.HealthStatus) error {
	return r.observe(id, status, 0)
}

// ObserveHealth sets the health of id and folds latency into its average.
func (r *Registry) ObserveHealth(id string, status contracts.HealthStatus, latency time.Duration) error {
	return r.observe(id, status, latency)
}

func (r *Registry) observe(id string, status contracts.HealthStatus, latency time.Duration) error {
	switch status {
	case contracts.HealthHealthy, contracts.HealthDegraded, contracts.HealthDown:
	default:
		return contracts.NewValidationError("health_status", "unknown status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	e.desc.HealthStatus = status
	if latency > 0 {
		if e.desc.AverageLatency == 0 {
			e.desc.AverageLatency = latency
		} else {
			e.desc.AverageLatency = (latencyWeight*latency + (10-latencyWeight)*e.desc.AverageLatency) / 10
		}
	}
	e.desc.UpdatedAt = r.now().UTC()
	return nil
}

// Adapters returns every registered adapter keyed by provider id.
func (r *Registry) Adapters() map[string]provider.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]provider.Adapter, len(r.providers))
	for id, e := range r.providers {
		if e.adapter != nil {
			out[id] = e.adapter
		}
	}
	return out
}
