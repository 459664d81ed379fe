package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/store"
)

// Dialect is shared with the record store.
type Dialect = store.Dialect

const (
	Postgres = store.Postgres
	SQLite   = store.SQLite
)

const entryColumns = "seq, prev_hash, entry_hash, payload, signature, signature_type, recorded_at_us, operation, client_id, job_id, data_classification"

// SQLStore keeps entries in a single append-only table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init before first use on a fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the table and its indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ltc_entries (
			seq BIGINT PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			payload TEXT NOT NULL,
			signature TEXT NOT NULL,
			signature_type TEXT NOT NULL,
			recorded_at_us BIGINT NOT NULL,
			operation TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			data_classification TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ltc_client ON ltc_entries (client_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ltc_operation ON ltc_entries (operation, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ltc_job ON ltc_entries (job_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init ltc_entries: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, entry ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(seq) FROM ltc_entries").Scan(&head); err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	want := uint64(0)
	if head.Valid {
		want = uint64(head.Int64) + 1
	}
	if entry.Sequence != want {
		return fmt.Errorf("append out of order: got sequence %d, want %d", entry.Sequence, want)
	}

	phs := make([]string, 11)
	for i := range phs {
		phs[i] = s.dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO ltc_entries (%s) VALUES (%s)", entryColumns, strings.Join(phs, ", "))
	_, err = tx.ExecContext(ctx, query,
		int64(entry.Sequence),
		entry.PrevHash,
		entry.EntryHash,
		string(entry.Payload),
		entry.Signature,
		entry.SignatureType,
		entry.Timestamp.UnixMicro(),
		entry.Operation,
		entry.ClientID,
		entry.JobID,
		string(entry.DataClassification),
	)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", entry.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry %d: %w", entry.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Last(ctx context.Context) (*ledger.Entry, error) {
	query := "SELECT " + entryColumns + " FROM ltc_entries ORDER BY seq DESC LIMIT 1"
	return s.one(ctx, query)
}

func (s *SQLStore) LastCheckpoint(ctx context.Context) (*ledger.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM ltc_entries WHERE operation = %s ORDER BY seq DESC LIMIT 1", entryColumns, s.dialect.Placeholder(1))
	return s.one(ctx, query, ledger.OpCheckpoint)
}

func (s *SQLStore) one(ctx context.Context, query string, args ...any) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) Read(ctx context.Context, from uint64, limit int) ([]ledger.Entry, error) {
	return s.Scan(ctx, ledger.Filter{}, from, limit)
}

// Scan pushes the filter into the WHERE clause.
func (s *SQLStore) Scan(ctx context.Context, f ledger.Filter, from uint64, limit int) ([]ledger.Entry, error) {
	var (
		conds = []string{"seq >= " + s.dialect.Placeholder(1)}
		args  = []any{int64(from)}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" "+s.dialect.Placeholder(len(args)))
	}
	if f.ClientID != "" {
		add("client_id =", f.ClientID)
	}
	if f.Operation != "" {
		add("operation =", f.Operation)
	}
	if f.JobID != "" {
		add("job_id =", f.JobID)
	}
	if !f.From.IsZero() {
		add("recorded_at_us >=", f.From.UnixMicro())
	}
	if !f.To.IsZero() {
		add("recorded_at_us <=", f.To.UnixMicro())
	}

	query := fmt.Sprintf("SELECT %s FROM ltc_entries WHERE %s ORDER BY seq ASC", entryColumns, strings.Join(conds, " AND "))
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT " + s.dialect.Placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ltc_entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*ledger.Entry, error) {
	var (
		e       ledger.Entry
		seq     int64
		payload string
		micros  int64
		class   string
	)
	err := r.Scan(&seq, &e.PrevHash, &e.EntryHash, &payload, &e.Signature, &e.SignatureType,
		&micros, &e.Operation, &e.ClientID, &e.JobID, &class)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Payload = json.RawMessage(payload)
	e.Timestamp = time.UnixMicro(micros).UTC()
	e.DataClassification = contracts.DataClassification(class)
	return &e, nil
}
