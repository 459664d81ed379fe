package ledgerstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"

	_ "modernc.org/sqlite"
)

var testColumns = []string{"seq", "prev_hash", "entry_hash", "payload", "signature", "signature_type", "recorded_at_us", "operation", "client_id", "job_id", "data_classification"}

func TestSQLStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, Postgres)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)
	entry := ledger.Entry{
		Sequence:      4,
		PrevHash:      "sha256:aa",
		EntryHash:     "sha256:bb",
		Payload:       []byte(`{"operation":"CREATED"}`),
		Signature:     "sig",
		SignatureType: "ed25519:k1",
		Timestamp:     ts,
		Operation:     "CREATED",
		ClientID:      "c1",
		JobID:         "j1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM ltc_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ltc_entries (" + entryColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")).
		WithArgs(int64(4), "sha256:aa", "sha256:bb", `{"operation":"CREATED"}`, "sig", "ed25519:k1", ts.UnixMicro(), "CREATED", "c1", "j1", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendOutOfOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, Postgres)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM ltc_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectRollback()

	err = store.Append(context.Background(), ledger.Entry{Sequence: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LastEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, Postgres)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + entryColumns + " FROM ltc_entries ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(testColumns))

	e, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestSQLStore_ScanPushesFilterDown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, Postgres)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := from.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + entryColumns + " FROM ltc_entries WHERE seq >= $1 AND client_id = $2 AND operation = $3 AND recorded_at_us >= $4 ORDER BY seq ASC LIMIT $5")).
		WithArgs(int64(10), "c1", "COMPLETED", from.UnixMicro(), 50).
		WillReturnRows(sqlmock.NewRows(testColumns).
			AddRow(12, "sha256:p", "sha256:h", `{}`, "s", "ed25519:k", ts.UnixMicro(), "COMPLETED", "c1", "j9", "SENSITIVE"))

	page, err := store.Scan(context.Background(), ledger.Filter{ClientID: "c1", Operation: "COMPLETED", From: from}, 10, 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(12), page[0].Sequence)
	assert.True(t, ts.Equal(page[0].Timestamp))
	assert.Equal(t, "SENSITIVE", string(page[0].DataClassification))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLitePlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, SQLite)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + entryColumns + " FROM ltc_entries WHERE operation = ? ORDER BY seq DESC LIMIT 1")).
		WithArgs(ledger.OpCheckpoint).
		WillReturnRows(sqlmock.NewRows(testColumns))

	e, err := store.LastCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ltc.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, SQLite)
	require.NoError(t, store.Init(context.Background()))

	signer, err := crypto.NewEd25519Signer("sqlite-test")
	require.NoError(t, err)
	l := fill(t, store, signer, 12, ledger.WithCheckpointEvery(5))
	defer func() { _ = l.Close() }()

	res, err := l.VerifyChain(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, uint64(13), res.To)

	var got int
	for e, err := range l.Search(context.Background(), ledger.Filter{ClientID: "c1"}) {
		require.NoError(t, err)
		assert.Equal(t, "c1", e.ClientID)
		got++
	}
	assert.Equal(t, 6, got)

	proof, err := l.Prove(context.Background(), 3)
	require.NoError(t, err)
	assert.NoError(t, ledger.VerifyProof(proof, l.KeyRing()))
}
