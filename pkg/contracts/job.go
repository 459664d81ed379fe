package contracts

import (
	"encoding/json"
	"slices"
	"time"
)

// JobState is a node of the orchestrator state machine.
type JobState string

const (
	JobCreated          JobState = "CREATED"
	JobPolicyChecked    JobState = "POLICY_CHECKED"
	JobProviderSelected JobState = "PROVIDER_SELECTED"
	JobSubmitted        JobState = "SUBMITTED"
	JobPolling          JobState = "POLLING"
	JobCompleted        JobState = "COMPLETED"
	JobFailed           JobState = "FAILED"
	JobRejected         JobState = "REJECTED"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobRejected
}

// Client-facing reason strings.
const (
	ReasonCompleted          = "completed"
	ReasonPolicyHold         = "policy_hold"
	ReasonCancelled          = "cancelled"
	ReasonNoEligibleProvider = "no eligible provider"
	ReasonRetriesExhausted   = "retries exhausted"
	ReasonDeadlineExceeded   = "job deadline exceeded"
	ReasonInterrupted        = "interrupted by hub restart"
)

// Usage reports the work a provider actually performed.
type Usage struct {
	Units     float64 `json:"units"`
	RuntimeMs int64   `json:"runtime_ms,omitempty"`
}

// Result is the provider output for a completed job.
type Result struct {
	ProviderID string            `json:"provider_id"`
	Assignment []int             `json:"assignment,omitempty"`
	Energy     *float64          `json:"energy,omitempty"`
	Text       string            `json:"text,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Usage      Usage             `json:"usage"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Job is the lifecycle record owned by the orchestrator.
type Job struct {
	JobID              string     `json:"job_id"`
	ProblemID          string     `json:"problem_id"`
	ClientID           string     `json:"client_id"`
	AssignedProviderID string     `json:"assigned_provider_id,omitempty"`
	ProviderHandle     string     `json:"provider_handle,omitempty"`
	State              JobState   `json:"state"`
	AttemptCount       int        `json:"attempt_count"`
	Excluded           []string   `json:"excluded,omitempty"`
	Result             *Result    `json:"result,omitempty"`
	Error              string     `json:"error,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	Quarantined        bool       `json:"quarantined,omitempty"`
	CostEstimate       float64    `json:"cost_estimate"`
	ActualCost         float64    `json:"actual_cost,omitempty"`
	PreDecisionID      string     `json:"pre_decision_id,omitempty"`
	PostDecisionID     string     `json:"post_decision_id,omitempty"`
	ReservationID      string     `json:"reservation_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Excluded = slices.Clone(j.Excluded)
	if j.Result != nil {
		r := *j.Result
		r.Assignment = slices.Clone(j.Result.Assignment)
		r.Output = append(json.RawMessage(nil), j.Result.Output...)
		if j.Result.Energy != nil {
			e := *j.Result.Energy
			r.Energy = &e
		}
		if j.Result.Metadata != nil {
			r.Metadata = make(map[string]string, len(j.Result.Metadata))
			for k, v := range j.Result.Metadata {
				r.Metadata[k] = v
			}
		}
		cp.Result = &r
	}
	if j.SubmittedAt != nil {
		t := *j.SubmittedAt
		cp.SubmittedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ClientView is the client-facing projection of a job. Quarantined results
// are withheld and intermediate failures are not exposed.
type ClientView struct {
	JobID       string     `json:"job_id"`
	State       JobState   `json:"state"`
	Result      *Result    `json:"result"`
	Error       string     `json:"error,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// View projects the job for its client.
func (j *Job) View() ClientView {
	v := ClientView{
		JobID:       j.JobID,
		State:       j.State,
		Reason:      j.Reason,
		SubmittedAt: j.SubmittedAt,
		CompletedAt: j.CompletedAt,
	}
	switch {
	case j.State == JobCompleted && j.Quarantined:
		v.Reason = ReasonPolicyHold
	case j.State == JobCompleted:
		v.Result = j.Result
		if v.Reason == "" {
			v.Reason = ReasonCompleted
		}
	case j.State.IsTerminal():
		v.Error = j.Error
	default:
		// In-flight jobs show their state only; retries stay audit-only.
		v.Reason = "in progress"
	}
	return v
}
