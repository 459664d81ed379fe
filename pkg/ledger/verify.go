package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
)

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool    `json:"valid"`
	BrokenAt *uint64 `json:"brokenAt,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	From     uint64  `json:"from"`
	To       uint64  `json:"to"`
	Checked  int     `json:"checked"`
}

// Err returns a LedgerIntegrityError for an invalid result, nil otherwise.
func (r VerifyResult) Err() error {
	if r.Valid || r.BrokenAt == nil {
		return nil
	}
	return &contracts.LedgerIntegrityError{Sequence: *r.BrokenAt, Reason: r.Reason}
}

// Auditor verifies a ledger store without write access. It is what offline
// tooling and the HTTP verify endpoint use.
type Auditor struct {
	store   Store
	keyring *crypto.KeyRing
}

// NewAuditor creates an auditor trusting the keys in keyring.
func NewAuditor(store Store, keyring *crypto.KeyRing) *Auditor {
	return &Auditor{store: store, keyring: keyring}
}

// VerifyChain recomputes entry hashes from..to inclusive, checks every
// prev_hash link and signature, and reports the first broken sequence number.
// A to beyond the head is clipped. For from > 0 the link to entry from-1 is
// checked too.
func (a *Auditor) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "ledger.VerifyChain")
	defer span.End()
	span.SetAttributes(attribute.Int64("ledger.from", int64(from)), attribute.Int64("ledger.to", int64(to)))

	res := VerifyResult{Valid: true, From: from, To: to}
	if to < from {
		return res, fmt.Errorf("invalid range: to %d < from %d", to, from)
	}

	last, err := a.store.Last(ctx)
	if err != nil {
		return res, fmt.Errorf("load head: %w", err)
	}
	if last == nil || from > last.Sequence {
		res.To = from
		return res, nil
	}
	if to > last.Sequence {
		res.To = last.Sequence
	}

	var prevHash string
	if from > 0 {
		page, err := a.store.Read(ctx, from-1, 1)
		if err != nil {
			return res, fmt.Errorf("load entry %d: %w", from-1, err)
		}
		if len(page) == 0 {
			return res.broken(from-1, "entry missing"), nil
		}
		prevHash = page[0].EntryHash
	}

	expected := from
	for e, err := range scan(ctx, a.store, Filter{}, from) {
		if err != nil {
			return res, err
		}
		if e.Sequence > res.To {
			break
		}
		if e.Sequence != expected {
			return res.broken(expected, fmt.Sprintf("sequence gap: found %d", e.Sequence)), nil
		}
		if reason := a.checkEntry(&e, prevHash); reason != "" {
			span.SetStatus(codes.Error, reason)
			return res.broken(e.Sequence, reason), nil
		}
		prevHash = e.EntryHash
		expected++
		res.Checked++
	}
	if expected <= res.To {
		return res.broken(expected, "entry missing"), nil
	}
	return res, nil
}

func (r VerifyResult) broken(seq uint64, reason string) VerifyResult {
	r.Valid = false
	r.BrokenAt = &seq
	r.Reason = reason
	return r
}

// checkEntry returns a reason string when e is not intact, "" otherwise.
// prevHash is the hash of the preceding entry, or "" for sequence 0.
func (a *Auditor) checkEntry(e *Entry, prevHash string) string {
	hasher, err := crypto.HasherFor(e.EntryHash)
	if err != nil {
		return err.Error()
	}
	if e.Sequence == 0 {
		if e.PrevHash != hasher.Genesis() {
			return "first entry does not link to genesis"
		}
	} else if e.PrevHash != prevHash {
		return "prev_hash does not match hash of previous entry"
	}
	if ComputeHash(hasher, e.Sequence, e.PrevHash, e.Payload) != e.EntryHash {
		return "entry hash mismatch"
	}
	ok, err := a.keyring.VerifyTyped(e.SignatureType, e.Signature, []byte(e.EntryHash))
	if err != nil {
		return "signature: " + err.Error()
	}
	if !ok {
		return "signature invalid"
	}
	rec, err := e.Record()
	if err != nil {
		return err.Error()
	}
	if err := e.indexConsistent(rec); err != nil {
		return err.Error()
	}
	return ""
}
