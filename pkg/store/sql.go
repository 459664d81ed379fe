package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// SQLStore keeps each record as a JSON body next to its indexed columns.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init on a fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the tables and indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS qhub_problems (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			client_id TEXT NOT NULL,
			data_classification TEXT NOT NULL,
			created_at_us BIGINT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS qhub_jobs (
			job_id TEXT PRIMARY KEY,
			problem_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			state TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			created_at_us BIGINT NOT NULL,
			updated_at_us BIGINT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qhub_jobs_client ON qhub_jobs (client_id, created_at_us)`,
		`CREATE INDEX IF NOT EXISTS idx_qhub_jobs_state ON qhub_jobs (state)`,
		`CREATE TABLE IF NOT EXISTS qhub_decisions (
			decision_id TEXT PRIMARY KEY,
			subject_kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			verdict TEXT NOT NULL,
			evaluated_at_us BIGINT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qhub_decisions_subject ON qhub_decisions (subject_kind, subject_id, evaluated_at_us)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) phs(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.dialect.Placeholder(i + 1)
	}
	return strings.Join(out, ", ")
}

func (s *SQLStore) PutProblem(ctx context.Context, p *contracts.ProblemSpec) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode problem: %w", err)
	}
	query := "INSERT INTO qhub_problems (id, kind, client_id, data_classification, created_at_us, body) VALUES (" + s.phs(6) + ")"
	_, err = s.db.ExecContext(ctx, query, p.ID, string(p.Kind), p.ClientID, string(p.DataClassification), p.CreatedAt.UnixMicro(), string(body))
	if err != nil {
		return fmt.Errorf("failed to persist problem: %w", err)
	}
	return nil
}

func (s *SQLStore) GetProblem(ctx context.Context, id string) (*contracts.ProblemSpec, error) {
	var p contracts.ProblemSpec
	if err := s.getBody(ctx, "SELECT body FROM qhub_problems WHERE id = "+s.dialect.Placeholder(1), id, "problem", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) PutJob(ctx context.Context, j *contracts.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	query := `INSERT INTO qhub_jobs (job_id, problem_id, client_id, state, provider_id, created_at_us, updated_at_us, body)
		VALUES (` + s.phs(8) + `)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			provider_id = EXCLUDED.provider_id,
			updated_at_us = EXCLUDED.updated_at_us,
			body = EXCLUDED.body`
	_, err = s.db.ExecContext(ctx, query, j.JobID, j.ProblemID, j.ClientID, string(j.State), j.AssignedProviderID,
		j.CreatedAt.UnixMicro(), j.UpdatedAt.UnixMicro(), string(body))
	if err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*contracts.Job, error) {
	var j contracts.Job
	if err := s.getBody(ctx, "SELECT body FROM qhub_jobs WHERE job_id = "+s.dialect.Placeholder(1), id, "job", &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLStore) ListJobs(ctx context.Context, f JobFilter) ([]*contracts.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" "+s.dialect.Placeholder(len(args)))
	}
	if f.ClientID != "" {
		add("client_id =", f.ClientID)
	}
	if f.State != "" {
		add("state =", string(f.State))
	}
	if f.ActiveOnly {
		conds = append(conds, "state NOT IN ('COMPLETED', 'FAILED', 'REJECTED')")
	}
	query := "SELECT body FROM qhub_jobs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_us DESC, job_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + s.dialect.Placeholder(len(args))
	}

	var out []*contracts.Job
	err := s.queryBodies(ctx, query, args, func(body string) error {
		var j contracts.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		out = append(out, &j)
		return nil
	})
	return out, err
}

func (s *SQLStore) PutDecision(ctx context.Context, d *contracts.PolicyDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	query := "INSERT INTO qhub_decisions (decision_id, subject_kind, subject_id, stage, verdict, evaluated_at_us, body) VALUES (" + s.phs(7) + ")"
	_, err = s.db.ExecContext(ctx, query, d.DecisionID, d.SubjectKind, d.SubjectID, string(d.Stage), string(d.Verdict),
		d.EvaluatedAt.UnixMicro(), string(body))
	if err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDecision(ctx context.Context, id string) (*contracts.PolicyDecision, error) {
	var d contracts.PolicyDecision
	if err := s.getBody(ctx, "SELECT body FROM qhub_decisions WHERE decision_id = "+s.dialect.Placeholder(1), id, "decision", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLStore) DecisionsFor(ctx context.Context, subjectKind, subjectID string) ([]*contracts.PolicyDecision, error) {
	query := fmt.Sprintf("SELECT body FROM qhub_decisions WHERE subject_kind = %s AND subject_id = %s ORDER BY evaluated_at_us ASC, decision_id ASC",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	var out []*contracts.PolicyDecision
	err := s.queryBodies(ctx, query, []any{subjectKind, subjectID}, func(body string) error {
		var d contracts.PolicyDecision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, &d)
		return nil
	})
	return out, err
}

func (s *SQLStore) getBody(ctx context.Context, query, id, kind string, v any) error {
	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func (s *SQLStore) queryBodies(ctx context.Context, query string, args []any, fn func(string) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(body); err != nil {
			return err
		}
	}
	return rows.Err()
}
