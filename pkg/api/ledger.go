package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

const maxLedgerPage = 10000

// parseLedgerFilter reads client_id, op, job_id, from, to (RFC 3339),
// after_seq and limit.
func parseLedgerFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		ClientID:  q.Get("client_id"),
		Operation: q.Get("op"),
		JobID:     q.Get("job_id"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, contracts.NewValidationError("from", "expected an RFC 3339 timestamp")
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, contracts.NewValidationError("to", "expected an RFC 3339 timestamp")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, contracts.NewValidationError("to", "must not be before from")
	}
	if v := q.Get("after_seq"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, contracts.NewValidationError("after_seq", "expected a sequence number")
		}
		f.AfterSeq = &seq
	}
	f.Limit = maxLedgerPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, contracts.NewValidationError("limit", "expected a positive integer")
		}
		f.Limit = min(n, maxLedgerPage)
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// handleLedger streams matching entries as NDJSON, redacted by data
// classification. Callers without the auditor role see their own client.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	f, err := parseLedgerFilter(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if !id.Has(RoleAuditor) {
		if f.ClientID != "" && f.ClientID != id.ClientID {
			WriteForbidden(w, "the auditor role is required to read other clients")
			return
		}
		f.ClientID = id.ClientID
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	started := false
	for e, err := range s.ledger.Search(r.Context(), f) {
		if err != nil {
			if !started {
				WriteDomainError(w, r, err)
				return
			}
			// Headers are gone; the truncated stream is the only signal.
			s.logger.Error("ledger stream aborted", "error", err)
			return
		}
		view, err := ledger.Redact(e)
		if err != nil {
			s.logger.Error("ledger entry not redactable", "sequence", e.Sequence, "error", err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(view); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

// handleVerify checks the chain over from..to. Omitted bounds cover the
// whole ledger.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	q := r.URL.Query()
	head := s.ledger.Head()
	from, to := uint64(0), uint64(0)
	if head.NextSequence > 0 {
		to = head.NextSequence - 1
	}
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			WriteDomainError(w, r, contracts.NewValidationError("from", "expected a sequence number"))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseUint(v, 10, 64); err != nil {
			WriteDomainError(w, r, contracts.NewValidationError("to", "expected a sequence number"))
			return
		}
	}
	if to < from {
		WriteDomainError(w, r, contracts.NewValidationError("to", "must not be below from"))
		return
	}

	res, err := s.ledger.VerifyChain(r.Context(), from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if !res.Valid {
		s.logger.Error("ledger verification failed", "broken_at", *res.BrokenAt, "reason", res.Reason, "alert", true)
	}
	writeJSON(w, http.StatusOK, res)
}

// ProofResponse carries an inclusion proof and the server's own check of it.
type ProofResponse struct {
	Proof    *ledger.Proof `json:"proof"`
	Verified bool          `json:"verified"`
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		WriteDomainError(w, r, contracts.NewValidationError("seq", "expected a sequence number"))
		return
	}
	if seq >= s.ledger.Head().NextSequence {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "entry "+strconv.FormatUint(seq, 10)+": "+contracts.ErrNotFound.Error())
		return
	}
	p, err := s.ledger.Prove(r.Context(), seq)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProofResponse{Proof: p, Verified: ledger.VerifyProof(p, s.ledger.KeyRing()) == nil})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !id.Has(RoleOperator) {
		WriteForbidden(w, "the operator role is required")
		return
	}
	cp, err := s.ledger.Checkpoint(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sequence_number": cp.Sequence,
		"checkpoint":      cp,
	})
}
