package ledger

import (
	"context"
	"time"
)

// Store persists entries append-only. Implementations are written to only by
// the Ledger writer goroutine, but must tolerate concurrent readers.
type Store interface {
	// Append durably stores entry. It must fail if entry.Sequence is not the
	// next sequence number.
	Append(ctx context.Context, entry Entry) error
	// Last returns the head entry, or nil for an empty store.
	Last(ctx context.Context) (*Entry, error)
	// Read returns up to limit entries with Sequence >= from, ascending.
	Read(ctx context.Context, from uint64, limit int) ([]Entry, error)
	// LastCheckpoint returns the most recent checkpoint entry, or nil.
	LastCheckpoint(ctx context.Context) (*Entry, error)
}

// Filter selects entries for Search. Zero fields match everything.
type Filter struct {
	ClientID  string
	Operation string
	JobID     string
	From      time.Time
	To        time.Time
	AfterSeq  *uint64
	Limit     int
}

// Matches reports whether e satisfies the filter (ignoring AfterSeq and Limit).
func (f Filter) Matches(e *Entry) bool {
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Scanner is implemented by stores that can push a filter down, returning up
// to limit matching entries with Sequence >= from, ascending.
type Scanner interface {
	Scan(ctx context.Context, f Filter, from uint64, limit int) ([]Entry, error)
}
