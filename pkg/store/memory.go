package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// MemoryStore keeps records in maps. Values are copied in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	problems  map[string]*contracts.ProblemSpec
	jobs      map[string]*contracts.Job
	decisions map[string]*contracts.PolicyDecision
	order     []string // decision ids in insertion order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		problems:  make(map[string]*contracts.ProblemSpec),
		jobs:      make(map[string]*contracts.Job),
		decisions: make(map[string]*contracts.PolicyDecision),
	}
}

func (m *MemoryStore) PutProblem(_ context.Context, p *contracts.ProblemSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.problems[p.ID]; ok {
		return fmt.Errorf("problem %s already stored", p.ID)
	}
	m.problems[p.ID] = p.WithPayload(p.Payload, p.Size, p.Units)
	return nil
}

func (m *MemoryStore) GetProblem(_ context.Context, id string) (*contracts.ProblemSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.problems[id]
	if !ok {
		return nil, notFound("problem", id)
	}
	return p.WithPayload(p.Payload, p.Size, p.Units), nil
}

func (m *MemoryStore) PutJob(_ context.Context, j *contracts.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.JobID] = j.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*contracts.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]*contracts.Job, error) {
	m.mu.RLock()
	var out []*contracts.Job
	for _, j := range m.jobs {
		if f.ClientID != "" && j.ClientID != f.ClientID {
			continue
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.ActiveOnly && j.State.IsTerminal() {
			continue
		}
		out = append(out, j.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.JobID < b.JobID {
			return -1
		}
		return 1
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PutDecision(_ context.Context, d *contracts.PolicyDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.DecisionID]; ok {
		return fmt.Errorf("decision %s already stored", d.DecisionID)
	}
	cp := *d
	cp.Reasons = slices.Clone(d.Reasons)
	cp.Modification = d.Modification.Clone()
	m.decisions[d.DecisionID] = &cp
	m.order = append(m.order, d.DecisionID)
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, id string) (*contracts.PolicyDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, notFound("decision", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DecisionsFor(_ context.Context, subjectKind, subjectID string) ([]*contracts.PolicyDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.PolicyDecision
	for _, id := range m.order {
		d := m.decisions[id]
		if d.SubjectKind == subjectKind && d.SubjectID == subjectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
