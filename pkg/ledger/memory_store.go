package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps entries in a slice. Used in tests and ephemeral hubs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Sequence != uint64(len(s.entries)) {
		return fmt.Errorf("append out of order: got sequence %d, want %d", entry.Sequence, len(s.entries))
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := s.entries[len(s.entries)-1]
	return &e, nil
}

func (s *MemoryStore) Read(_ context.Context, from uint64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from >= uint64(len(s.entries)) {
		return nil, nil
	}
	end := uint64(len(s.entries))
	if limit > 0 && from+uint64(limit) < end {
		end = from + uint64(limit)
	}
	out := make([]Entry, end-from)
	copy(out, s.entries[from:end])
	return out, nil
}

func (s *MemoryStore) LastCheckpoint(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].IsCheckpoint() {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tamper replaces an entry in place. It exists so tests can simulate
// corruption of the underlying medium.
func (s *MemoryStore) Tamper(seq uint64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < uint64(len(s.entries)) {
		mutate(&s.entries[seq])
	}
}
