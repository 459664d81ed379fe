package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/merkle"
)

// Checkpoint is a signed Merkle root over a contiguous range of entries.
type Checkpoint struct {
	Sequence      uint64 `json:"-"`
	Root          string `json:"root"`
	EntryCount    int    `json:"entry_count"`
	FromSeq       uint64 `json:"from_seq"`
	ToSeq         uint64 `json:"to_seq"`
	RootSignature string `json:"root_signature"`
	SignatureType string `json:"signature_type"`
}

// Covers reports whether seq lies within the checkpoint range.
func (c *Checkpoint) Covers(seq uint64) bool {
	return seq >= c.FromSeq && seq <= c.ToSeq
}

// DecodeCheckpoint extracts the checkpoint carried by a checkpoint entry.
func DecodeCheckpoint(e *Entry) (*Checkpoint, error) {
	if !e.IsCheckpoint() {
		return nil, fmt.Errorf("entry %d is not a checkpoint", e.Sequence)
	}
	rec, err := e.Record()
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(rec.Data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", e.Sequence, err)
	}
	cp.Sequence = e.Sequence
	return &cp, nil
}

// Proof shows a single entry is covered by a signed checkpoint.
type Proof struct {
	Sequence           uint64                `json:"sequence_number"`
	EntryHash          string                `json:"entry_hash"`
	Checkpoint         Checkpoint            `json:"checkpoint"`
	CheckpointSequence uint64                `json:"checkpoint_sequence"`
	Inclusion          merkle.InclusionProof `json:"inclusion"`
}

// Prove builds an inclusion proof for the entry at seq against the
// checkpoint that covers it.
func (a *Auditor) Prove(ctx context.Context, seq uint64) (*Proof, error) {
	var cp *Checkpoint
	for e, err := range scan(ctx, a.store, Filter{Operation: OpCheckpoint}, seq+1) {
		if err != nil {
			return nil, err
		}
		if !e.IsCheckpoint() {
			continue
		}
		c, err := DecodeCheckpoint(&e)
		if err != nil {
			return nil, err
		}
		if c.Covers(seq) {
			cp = c
			break
		}
		if c.FromSeq > seq {
			break
		}
	}
	if cp == nil {
		return nil, ErrNotCheckpointed
	}

	hashes, err := a.rangeHashes(ctx, cp.FromSeq, cp.ToSeq)
	if err != nil {
		return nil, err
	}
	tree := merkle.BuildFromStrings(hashes)
	if tree.Root != cp.Root {
		return nil, fmt.Errorf("checkpoint %d root mismatch", cp.Sequence)
	}
	inc, err := tree.GenerateProof(int(seq - cp.FromSeq))
	if err != nil {
		return nil, err
	}
	return &Proof{
		Sequence:           seq,
		EntryHash:          hashes[seq-cp.FromSeq],
		Checkpoint:         *cp,
		CheckpointSequence: cp.Sequence,
		Inclusion:          *inc,
	}, nil
}

// VerifyProof checks a proof offline: the leaf is the entry hash, the path
// reaches the checkpoint root, and the root signature is valid.
func VerifyProof(p *Proof, keyring *crypto.KeyRing) error {
	if !merkle.VerifyLeaf([]byte(p.EntryHash), p.Inclusion, p.Checkpoint.Root) {
		return fmt.Errorf("inclusion proof for entry %d does not reach root", p.Sequence)
	}
	ok, err := keyring.VerifyTyped(p.Checkpoint.SignatureType, p.Checkpoint.RootSignature, []byte(p.Checkpoint.Root))
	if err != nil {
		return fmt.Errorf("checkpoint signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("checkpoint signature invalid")
	}
	return nil
}

// VerifyCheckpoint recomputes the Merkle root of the checkpoint at seq from
// the stored entries and checks the root signature.
func (a *Auditor) VerifyCheckpoint(ctx context.Context, seq uint64) (*Checkpoint, error) {
	page, err := a.store.Read(ctx, seq, 1)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 || page[0].Sequence != seq {
		return nil, fmt.Errorf("checkpoint %d not found", seq)
	}
	cp, err := DecodeCheckpoint(&page[0])
	if err != nil {
		return nil, err
	}
	if cp.EntryCount != int(cp.ToSeq-cp.FromSeq+1) {
		return cp, fmt.Errorf("checkpoint %d entry count %d disagrees with range %d..%d", seq, cp.EntryCount, cp.FromSeq, cp.ToSeq)
	}
	hashes, err := a.rangeHashes(ctx, cp.FromSeq, cp.ToSeq)
	if err != nil {
		return cp, err
	}
	if root := merkle.BuildFromStrings(hashes).Root; root != cp.Root {
		return cp, fmt.Errorf("checkpoint %d root mismatch: computed %s", seq, root)
	}
	ok, err := a.keyring.VerifyTyped(cp.SignatureType, cp.RootSignature, []byte(cp.Root))
	if err != nil {
		return cp, fmt.Errorf("checkpoint signature: %w", err)
	}
	if !ok {
		return cp, fmt.Errorf("checkpoint %d signature invalid", seq)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint, or nil.
func (a *Auditor) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	e, err := a.store.LastCheckpoint(ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return DecodeCheckpoint(e)
}

func (a *Auditor) rangeHashes(ctx context.Context, from, to uint64) ([]string, error) {
	hashes := make([]string, 0, to-from+1)
	for e, err := range scan(ctx, a.store, Filter{}, from) {
		if err != nil {
			return nil, err
		}
		if e.Sequence > to {
			break
		}
		hashes = append(hashes, e.EntryHash)
	}
	if uint64(len(hashes)) != to-from+1 {
		return nil, fmt.Errorf("range %d..%d incomplete: %d entries", from, to, len(hashes))
	}
	return hashes, nil
}
