package ledgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

func record(i int) ledger.Record {
	data, _ := json.Marshal(map[string]int{"n": i})
	return ledger.Record{Operation: "CREATED", ClientID: fmt.Sprintf("c%d", i%2), JobID: fmt.Sprintf("job-%d", i), Data: data}
}

func fill(t *testing.T, store ledger.Store, signer crypto.Signer, n int, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), store, signer, opts...)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), record(i))
		require.NoError(t, err)
	}
	return l
}

func TestFileStore_SegmentsAndVerify(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, WithSegmentSize(4), WithoutFsync())
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)
	l := fill(t, store, signer, 10)
	defer func() { _ = l.Close() }()

	segs := store.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, "segment-000000000000.jsonl", segs[0].Name())
	assert.Equal(t, uint64(4), segs[1].FirstSeq)
	assert.Equal(t, uint64(7), segs[1].LastSeq)
	assert.Equal(t, uint64(9), segs[2].LastSeq)

	page, err := store.Read(context.Background(), 5, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(5), page[0].Sequence)
	assert.Equal(t, uint64(7), page[2].Sequence)

	res, err := l.VerifyChain(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 10, res.Checked)
}

func TestFileStore_RejectsOutOfOrder(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithoutFsync())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Append(context.Background(), ledger.Entry{Sequence: 3})
	assert.Error(t, err)
}

func TestFileStore_ReopenRecoversHead(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)

	store, err := NewFileStore(dir, WithSegmentSize(3), WithoutFsync())
	require.NoError(t, err)
	l := fill(t, store, signer, 7, ledger.WithCheckpointEvery(5))
	require.NoError(t, l.Close())
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, WithSegmentSize(3), WithoutFsync())
	require.NoError(t, err)
	last, err := reopened.Last(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	// 7 records plus one checkpoint after the fifth.
	assert.Equal(t, uint64(7), last.Sequence)

	cp, err := reopened.LastCheckpoint(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(5), cp.Sequence)

	l2, err := ledger.New(context.Background(), reopened, signer)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()
	e, err := l2.Append(context.Background(), record(99))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), e.Sequence)
	assert.Equal(t, last.EntryHash, e.PrevHash)

	res, err := l2.VerifyChain(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
}

func TestFileStore_TamperDetected(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, WithSegmentSize(100), WithoutFsync())
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)
	l := fill(t, store, signer, 5)
	require.NoError(t, l.Close())
	require.NoError(t, store.Close())

	path := filepath.Join(dir, "segment-000000000000.jsonl")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Rewrite the counter inside entry 2's payload.
	out := bytes.Replace(raw, []byte(`"data":{"n":2}`), []byte(`"data":{"n":7}`), 1)
	require.NotEqual(t, raw, out)
	require.NoError(t, os.WriteFile(path, out, 0600))

	reopened, err := NewFileStore(dir, WithoutFsync())
	require.NoError(t, err)
	keyring := crypto.NewKeyRing()
	keyring.AddSigner(signer)
	res, err := ledger.NewAuditor(reopened, keyring).VerifyChain(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, uint64(2), *res.BrokenAt)
}

func TestFileStore_SealHookRuns(t *testing.T) {
	var (
		mu     sync.Mutex
		sealed []Segment
	)
	store, err := NewFileStore(t.TempDir(), WithSegmentSize(2), WithoutFsync(), WithSealHook(func(_ context.Context, seg Segment) error {
		mu.Lock()
		defer mu.Unlock()
		sealed = append(sealed, seg)
		return nil
	}))
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)
	l := fill(t, store, signer, 5)
	require.NoError(t, l.Close())
	require.NoError(t, store.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sealed, 2)
	names := []string{sealed[0].Name(), sealed[1].Name()}
	assert.ElementsMatch(t, []string{"segment-000000000000.jsonl", "segment-000000000002.jsonl"}, names)
}

func TestFileStore_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)
	store, err := NewFileStore(dir, WithSegmentSize(100), WithoutFsync())
	require.NoError(t, err)
	l := fill(t, store, signer, 5)
	require.NoError(t, l.Close())
	require.NoError(t, store.Close())

	path := filepath.Join(dir, "segment-000000000000.jsonl")
	clean, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":5,"operation":"CRE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(dir, WithSegmentSize(100), WithoutFsync())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	repaired, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, clean, repaired)

	last, err := reopened.Last(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(4), last.Sequence)

	l2, err := ledger.New(context.Background(), reopened, signer)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()
	e, err := l2.Append(context.Background(), record(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Sequence)
	res, err := l2.VerifyChain(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
}

func TestFileStore_CorruptCompleteLineFailsLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment-000000000000.jsonl"), []byte("{not json}\n"), 0600))
	_, err := NewFileStore(dir, WithoutFsync())
	assert.ErrorContains(t, err, "decode ledger line")
}

func TestFileStore_ReadDuringAppend(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithSegmentSize(16), WithoutFsync())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	signer, err := crypto.NewEd25519Signer("file-test")
	require.NoError(t, err)
	l, err := ledger.New(context.Background(), store, signer)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	const n = 200
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if _, err := l.Append(context.Background(), record(i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for finished := false; !finished; {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
		entries, err := store.Read(context.Background(), 0, 0)
		require.NoError(t, err)
		for i, e := range entries {
			require.Equal(t, uint64(i), e.Sequence)
		}
	}

	entries, err := store.Read(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}
