// Package api serves the hub over HTTP. Every error response is an RFC 7807
// problem detail.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/orchestrator"
)

const errorTypeBase = "https://qhub.schemas.local/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the X-Request-ID of the request.
	TraceID string `json:"trace_id,omitempty"`
	// Field names the offending request field of a validation error.
	Field string `json:"field,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = errorTypeBase + strconv.Itoa(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes an RFC 7807 response enriched with the request path and
// request id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(requestIDHeader),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteUnavailable writes a 503 error response.
func WriteUnavailable(w http.ResponseWriter, detail string) {
	w.Header().Set("Retry-After", "5")
	WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// WriteInternal writes a 500 error response. err is logged, never returned
// to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps hub errors onto problem details.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *contracts.ValidationError
		integrity  *contracts.LedgerIntegrityError
	)
	switch {
	case errors.As(err, &validation):
		writeProblem(w, &ProblemDetail{
			Type:     errorTypeBase + "validation",
			Title:    "Validation Failed",
			Status:   http.StatusBadRequest,
			Detail:   validation.Reason,
			Field:    validation.Field,
			Instance: r.URL.Path,
			TraceID:  w.Header().Get(requestIDHeader),
		})
	case errors.Is(err, contracts.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrJobTerminal):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ledger.ErrNotCheckpointed), errors.Is(err, ledger.ErrNoNewEntries):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, orchestrator.ErrStalled), errors.Is(err, ledger.ErrClosed):
		slog.Error("ledger unavailable", "error", err, "alert", true)
		w.Header().Set("Retry-After", "5")
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "The audit ledger is not accepting writes.")
	case errors.As(err, &integrity):
		WriteErrorR(w, r, http.StatusInternalServerError, "Ledger Integrity Error", integrity.Error())
	default:
		WriteInternal(w, err)
	}
}
