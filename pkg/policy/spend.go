package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSpendWindow is the rolling window for client spend ceilings.
const DefaultSpendWindow = 24 * time.Hour

// Reservation is a hold on a client's rolling spend.
type Reservation struct {
	ID       string  `json:"id"`
	ClientID string  `json:"client_id"`
	Amount   float64 `json:"amount"`
	// Allowed is false when the hold would have exceeded the ceiling; no
	// hold exists in that case.
	Allowed bool `json:"allowed"`
	// WindowSpend is the spend in the window before this hold.
	WindowSpend float64 `json:"window_spend"`
}

// SpendTracker keeps per-client rolling spend. Reserve is atomic per client:
// concurrent reservations never overshoot the ceiling together.
type SpendTracker interface {
	// Reserve holds amount if the window total stays within ceiling
	// (ceiling <= 0 means unlimited).
	Reserve(ctx context.Context, clientID string, amount, ceiling float64) (Reservation, error)
	// Settle replaces a hold with the actual cost.
	Settle(ctx context.Context, r Reservation, actual float64) error
	// Release drops a hold.
	Release(ctx context.Context, r Reservation) error
	// Spend is the client's current window total.
	Spend(ctx context.Context, clientID string) (float64, error)
}

type charge struct {
	id     string
	at     time.Time
	amount float64
}

// MemorySpendTracker is a single-process SpendTracker.
type MemorySpendTracker struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	clients map[string][]charge
}

// NewMemorySpendTracker creates a tracker with the given window.
func NewMemorySpendTracker(window time.Duration) *MemorySpendTracker {
	if window <= 0 {
		window = DefaultSpendWindow
	}
	return &MemorySpendTracker{
		window:  window,
		now:     time.Now,
		clients: make(map[string][]charge),
	}
}

// WithClock replaces the tracker clock.
func (m *MemorySpendTracker) WithClock(now func() time.Time) *MemorySpendTracker {
	m.now = now
	return m
}

// prune drops expired charges and returns the window total. Caller holds m.mu.
func (m *MemorySpendTracker) prune(clientID string) float64 {
	cutoff := m.now().Add(-m.window)
	kept := m.clients[clientID][:0]
	var total float64
	for _, c := range m.clients[clientID] {
		if c.at.After(cutoff) {
			kept = append(kept, c)
			total += c.amount
		}
	}
	if len(kept) == 0 {
		delete(m.clients, clientID)
	} else {
		m.clients[clientID] = kept
	}
	return total
}

func (m *MemorySpendTracker) Reserve(_ context.Context, clientID string, amount, ceiling float64) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.prune(clientID)
	r := Reservation{ClientID: clientID, Amount: amount, WindowSpend: total}
	if ceiling > 0 && total+amount > ceiling {
		return r, nil
	}
	r.ID = uuid.NewString()
	r.Allowed = true
	m.clients[clientID] = append(m.clients[clientID], charge{id: r.ID, at: m.now(), amount: amount})
	return r, nil
}

func (m *MemorySpendTracker) Settle(_ context.Context, r Reservation, actual float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.clients[r.ClientID] {
		if m.clients[r.ClientID][i].id == r.ID {
			m.clients[r.ClientID][i].amount = actual
			return nil
		}
	}
	return nil
}

func (m *MemorySpendTracker) Release(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	charges := m.clients[r.ClientID]
	for i := range charges {
		if charges[i].id == r.ID {
			m.clients[r.ClientID] = append(charges[:i], charges[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemorySpendTracker) Spend(_ context.Context, clientID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(clientID), nil
}
