package provider

import (
	"context"
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying, possibly on another provider.
type TransientError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s %s: transient: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means this provider will never accept the problem.
type PermanentError struct {
	Provider string
	Op       string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider %s %s: permanent: %v", e.Provider, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(provider, op string, err error) error {
	return &TransientError{Provider: provider, Op: op, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(provider, op string, err error) error {
	return &PermanentError{Provider: provider, Op: op, Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify labels an adapter error for logs, metrics and ledger records.
// "timeout" marks a transient error caused by a call deadline.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsPermanent(err):
		return "permanent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transient"
	}
}

// ErrUnknownHandle is returned for handles an adapter never issued.
var ErrUnknownHandle = errors.New("unknown handle")
