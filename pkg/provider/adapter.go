// Package provider defines the adapter contract every compute backend
// implements. The orchestrator and router only ever see this contract.
package provider

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Status is the backend-reported state of a submitted problem.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the backend will not change the status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// PollResult is the answer to a Poll.
type PollResult struct {
	Status     Status `json:"status"`
	ETASeconds *int   `json:"eta_seconds,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Adapter is the contract for one backend. Every method must be safe to
// retry: Submit deduplicates on the problem id and returns the same handle.
// Errors should be TransientError or PermanentError; anything else is
// treated as transient.
type Adapter interface {
	// Descriptor is the static description registered at startup.
	Descriptor() contracts.ProviderDescriptor
	Submit(ctx context.Context, spec *contracts.ProblemSpec) (handle string, err error)
	Poll(ctx context.Context, handle string) (PollResult, error)
	Fetch(ctx context.Context, handle string) (*contracts.Result, error)
}

// Canceler is implemented by adapters that can stop a submitted problem.
type Canceler interface {
	Cancel(ctx context.Context, handle string) error
}

// HealthChecker is implemented by adapters that can report their own health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (contracts.HealthStatus, time.Duration, error)
}
