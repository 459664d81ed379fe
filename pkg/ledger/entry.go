// Package ledger is the hub's append-only audit ledger ("LTC").
//
// Every entry is hash-chained to its predecessor and signed:
//   - entry_hash = H(domain || sequence || prev_hash || payload)
//   - signature  = Sign(entry_hash)
//   - sequence numbers start at 0 and are gapless
//
// A single writer goroutine owns the head of the chain. Periodic Merkle
// checkpoints over the entries since the previous checkpoint are appended as
// ordinary, signed entries.
package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
)

// EntryDomain separates ledger entry hashes from any other hash in the system.
const EntryDomain = "qhub:ltc:entry:v1"

// OpCheckpoint is the operation of Merkle checkpoint entries.
const OpCheckpoint = "CHECKPOINT"

var (
	// ErrClosed is returned once the writer has stopped.
	ErrClosed = errors.New("ledger closed")
	// ErrNoNewEntries is returned by Checkpoint when nothing is uncovered.
	ErrNoNewEntries = errors.New("no entries since last checkpoint")
	// ErrNotCheckpointed is returned by Prove for entries no checkpoint covers yet.
	ErrNotCheckpointed = errors.New("entry not yet covered by a checkpoint")
)

// Record is the payload of an entry: a snapshot of one operation.
type Record struct {
	Operation          string                       `json:"operation"`
	ClientID           string                       `json:"client_id,omitempty"`
	JobID              string                       `json:"job_id,omitempty"`
	ProblemID          string                       `json:"problem_id,omitempty"`
	DataClassification contracts.DataClassification `json:"data_classification,omitempty"`
	RecordedAt         time.Time                    `json:"recorded_at"`
	Data               json.RawMessage              `json:"data,omitempty"`
}

// Entry is an immutable, hash-chained, signed ledger entry. The index fields
// (Operation, ClientID, JobID, DataClassification, Timestamp) are copies of
// the payload kept for filtering; verification checks they agree with it.
type Entry struct {
	Sequence           uint64                       `json:"sequence_number"`
	PrevHash           string                       `json:"prev_hash"`
	EntryHash          string                       `json:"entry_hash"`
	Payload            json.RawMessage              `json:"payload"`
	Signature          string                       `json:"signature"`
	SignatureType      string                       `json:"signature_type"`
	Timestamp          time.Time                    `json:"timestamp"`
	Operation          string                       `json:"operation"`
	ClientID           string                       `json:"client_id,omitempty"`
	JobID              string                       `json:"job_id,omitempty"`
	DataClassification contracts.DataClassification `json:"data_classification,omitempty"`
}

// Record decodes the payload.
func (e *Entry) Record() (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode payload of entry %d: %w", e.Sequence, err)
	}
	return rec, nil
}

// IsCheckpoint reports whether the entry is a Merkle checkpoint.
func (e *Entry) IsCheckpoint() bool {
	return e.Operation == OpCheckpoint
}

// HashInput builds the bytes an entry hash covers.
// Format: EntryDomain || 0x00 || uint64be(seq) || prev_hash || 0x00 || payload
func HashInput(seq uint64, prevHash string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(EntryDomain)
	buf.WriteByte(0)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf.Write(seqBytes[:])
	buf.WriteString(prevHash)
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.Bytes()
}

// ComputeHash computes the entry hash with h.
func ComputeHash(h crypto.Hasher, seq uint64, prevHash string, payload []byte) string {
	return h.Sum(HashInput(seq, prevHash, payload))
}

// normalizeTime drops precision SQL stores cannot keep so a round trip is lossless.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// indexConsistent checks the denormalized fields against the decoded payload.
func (e *Entry) indexConsistent(rec Record) error {
	switch {
	case rec.Operation != e.Operation:
		return fmt.Errorf("operation %q disagrees with payload %q", e.Operation, rec.Operation)
	case rec.ClientID != e.ClientID:
		return fmt.Errorf("client_id %q disagrees with payload %q", e.ClientID, rec.ClientID)
	case rec.JobID != e.JobID:
		return fmt.Errorf("job_id %q disagrees with payload %q", e.JobID, rec.JobID)
	case rec.DataClassification != e.DataClassification:
		return fmt.Errorf("data_classification %q disagrees with payload %q", e.DataClassification, rec.DataClassification)
	case !rec.RecordedAt.Equal(e.Timestamp):
		return fmt.Errorf("timestamp %s disagrees with payload %s", e.Timestamp, rec.RecordedAt)
	}
	return nil
}
