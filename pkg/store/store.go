// Package store persists problems, jobs and policy decisions, keyed by id.
// Job.ProblemID and PolicyDecision.SubjectID reference the other records.
package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Dialect selects the placeholder syntax of the SQL driver.
type Dialect int

const (
	// Postgres uses $1, $2, ... placeholders (lib/pq).
	Postgres Dialect = iota
	// SQLite uses ? placeholders (modernc.org/sqlite).
	SQLite
)

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// JobFilter selects jobs for ListJobs. Zero fields match everything.
type JobFilter struct {
	ClientID   string
	State      contracts.JobState
	ActiveOnly bool
	Limit      int
}

// Store is the queryable record store. Get methods return an error wrapping
// contracts.ErrNotFound for unknown ids.
type Store interface {
	// PutProblem stores an admitted problem. Problems are immutable; storing
	// an id twice fails.
	PutProblem(ctx context.Context, p *contracts.ProblemSpec) error
	GetProblem(ctx context.Context, id string) (*contracts.ProblemSpec, error)

	// PutJob inserts or replaces a job.
	PutJob(ctx context.Context, j *contracts.Job) error
	GetJob(ctx context.Context, id string) (*contracts.Job, error)
	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, f JobFilter) ([]*contracts.Job, error)

	// PutDecision stores an immutable policy decision.
	PutDecision(ctx context.Context, d *contracts.PolicyDecision) error
	GetDecision(ctx context.Context, id string) (*contracts.PolicyDecision, error)
	// DecisionsFor returns the decisions about one subject, oldest first.
	DecisionsFor(ctx context.Context, subjectKind, subjectID string) ([]*contracts.PolicyDecision, error)
}

// ListActive returns every non-terminal job.
func ListActive(ctx context.Context, s Store) ([]*contracts.Job, error) {
	return s.ListJobs(ctx, JobFilter{ActiveOnly: true})
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, contracts.ErrNotFound)
}
