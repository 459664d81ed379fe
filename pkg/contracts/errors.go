package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores and lookups for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrJobTerminal is returned when an operation requires a live job.
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// ValidationError reports a malformed request. It is surfaced synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PolicyRejection reports a PRE-check DENY.
type PolicyRejection struct {
	DecisionID string
	Rules      []string
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("rejected by policy (%s)", strings.Join(e.Rules, ", "))
}

// NotAvailableError reports that no eligible provider remains for a problem.
type NotAvailableError struct {
	Kind   ProblemKind
	Reason string
}

func (e *NotAvailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s for %s", ReasonNoEligibleProvider, e.Kind)
	}
	return fmt.Sprintf("%s for %s: %s", ReasonNoEligibleProvider, e.Kind, e.Reason)
}

// LedgerIntegrityError reports tampering or corruption found by verification.
type LedgerIntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *LedgerIntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violated at sequence %d: %s", e.Sequence, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotAvailable reports whether err is a NotAvailableError.
func IsNotAvailable(err error) bool {
	var na *NotAvailableError
	return errors.As(err, &na)
}
