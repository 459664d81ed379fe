package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/observability"
	"github.com/Mindburn-Labs/qhub/pkg/policy"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

var errPollTimeout = errors.New("poll timeout exceeded")

// step advances t by one unit of work.
func (o *Orchestrator) step(t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.State.IsTerminal() || t.stalled || t.cancelled.Load() || o.ctx.Err() != nil {
		return
	}

	ctx, span := o.tracer.Start(o.ctx, "orchestrator.step", trace.WithAttributes(
		observability.JobOperation(t.job.JobID, t.job.ClientID, string(t.job.State), t.job.AssignedProviderID)...,
	))
	defer span.End()

	if !o.now().Before(t.deadline) || errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		o.cancelBackend(t)
		_ = o.fail(ctx, t, contracts.ReasonDeadlineExceeded, contracts.ReasonDeadlineExceeded, nil)
		return
	}

	switch t.job.State {
	case contracts.JobProviderSelected:
		o.submitAttempt(ctx, t)
	case contracts.JobSubmitted, contracts.JobPolling:
		o.pollOnce(ctx, t)
	}
}

// interrupted reports whether a cancel, the deadline or shutdown cut the last
// adapter call short. Whoever caused it finishes the job.
func (o *Orchestrator) interrupted(t *tracked) bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

func (o *Orchestrator) adapter(t *tracked, op string) (provider.Adapter, error) {
	a, err := o.providers.Adapter(t.job.AssignedProviderID)
	if err != nil {
		return nil, provider.Permanent(t.job.AssignedProviderID, op, err)
	}
	return a, nil
}

// route picks the next provider. Caller holds t.mu.
func (o *Orchestrator) route(ctx context.Context, t *tracked) error {
	desc, err := o.router.SelectProvider(t.spec, t.pre, t.job.Excluded)
	if err != nil {
		return o.fail(ctx, t, contracts.ReasonNoEligibleProvider, err.Error(), nil)
	}
	next := t.job.Clone()
	next.State = contracts.JobProviderSelected
	next.AssignedProviderID = desc.ProviderID
	next.ProviderHandle = ""
	next.SubmittedAt = nil
	if err := o.commit(ctx, t, next, string(contracts.JobProviderSelected), ledgerData{
		"provider_id":   desc.ProviderID,
		"jurisdiction":  desc.Jurisdiction,
		"cost_per_unit": desc.CostModel.PerUnit,
		"attempt":       next.AttemptCount + 1,
	}); err != nil {
		return err
	}
	t.desc = desc
	return nil
}

func (o *Orchestrator) submitAttempt(ctx context.Context, t *tracked) {
	a, err := o.adapter(t, "submit")
	var handle string
	if err == nil {
		handle, err = a.Submit(t.ctx, t.spec)
	}
	if o.interrupted(t) {
		return
	}
	if err != nil {
		o.attemptFailed(ctx, t, "submit", err)
		return
	}

	now := o.now().UTC()
	next := t.job.Clone()
	next.State = contracts.JobSubmitted
	next.ProviderHandle = handle
	next.SubmittedAt = &now
	if err := o.commit(ctx, t, next, string(contracts.JobSubmitted), ledgerData{
		"provider_id": next.AssignedProviderID,
		"handle":      handle,
		"outcome":     "accepted",
		"attempt":     next.AttemptCount + 1,
	}); err != nil {
		return
	}
	t.pollAttempt = 0
	t.pollStarted = now
	o.schedule(t, 0)
}

// attemptFailed records a failed submission and re-routes. A permanent error
// excludes the provider without consuming an attempt.
func (o *Orchestrator) attemptFailed(ctx context.Context, t *tracked, op string, cause error) {
	permanent := provider.IsPermanent(cause)
	failed := t.job.AssignedProviderID

	next := t.job.Clone()
	next.State = contracts.JobProviderSelected
	if !permanent {
		next.AttemptCount++
	}
	next.Excluded = append(next.Excluded, failed)
	next.ProviderHandle = ""
	next.SubmittedAt = nil
	next.Error = cause.Error()
	if err := o.commit(ctx, t, next, string(contracts.JobSubmitted), ledgerData{
		"provider_id": failed,
		"outcome":     provider.Classify(cause),
		"error":       cause.Error(),
		"during":      op,
		"attempt":     t.job.AttemptCount + 1,
		"to_state":    contracts.JobProviderSelected,
	}); err != nil {
		return
	}
	o.logger.Info("provider attempt failed",
		"job_id", next.JobID, "client_id", next.ClientID, "provider_id", failed,
		"outcome", provider.Classify(cause), "attempts", next.AttemptCount, "error", cause)

	if next.AttemptCount >= o.cfg.MaxRetries {
		_ = o.fail(ctx, t, contracts.ReasonRetriesExhausted, cause.Error(), nil)
		return
	}
	if err := o.route(ctx, t); err != nil {
		return
	}
	if t.job.State == contracts.JobProviderSelected {
		o.schedule(t, 0)
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context, t *tracked) {
	a, err := o.adapter(t, "poll")
	var res provider.PollResult
	if err == nil {
		res, err = a.Poll(t.ctx, t.job.ProviderHandle)
	}
	if o.interrupted(t) {
		return
	}
	if err != nil {
		if provider.IsPermanent(err) {
			o.attemptFailed(ctx, t, "poll", err)
			return
		}
		o.pollLater(ctx, t, err)
		return
	}

	switch res.Status {
	case provider.StatusSucceeded:
		o.collect(ctx, t, a)
	case provider.StatusFailed:
		msg := "provider reported failure"
		if res.Message != "" {
			msg += ": " + res.Message
		}
		_ = o.fail(ctx, t, msg, msg, ledgerData{"provider_id": t.job.AssignedProviderID})
	case provider.StatusCancelled:
		msg := "cancelled by provider"
		_ = o.fail(ctx, t, msg, msg, ledgerData{"provider_id": t.job.AssignedProviderID})
	default:
		if t.job.State == contracts.JobSubmitted {
			next := t.job.Clone()
			next.State = contracts.JobPolling
			data := ledgerData{"provider_id": next.AssignedProviderID, "status": res.Status}
			if res.ETASeconds != nil {
				data["eta_seconds"] = *res.ETASeconds
			}
			if err := o.commit(ctx, t, next, string(contracts.JobPolling), data); err != nil {
				return
			}
		}
		o.pollLater(ctx, t, nil)
	}
}

// pollLater schedules the next poll, or fails the attempt once the poll
// budget is spent.
func (o *Orchestrator) pollLater(ctx context.Context, t *tracked, cause error) {
	if o.now().Sub(t.pollStarted) >= o.cfg.PollTimeout {
		o.cancelBackend(t)
		if cause == nil {
			cause = errPollTimeout
		}
		err := provider.Transient(t.job.AssignedProviderID, "poll", fmt.Errorf("no result within %s: %w", o.cfg.PollTimeout, cause))
		o.attemptFailed(ctx, t, "poll", err)
		return
	}
	if cause != nil {
		o.logger.Debug("transient poll error", "job_id", t.job.JobID, "provider_id", t.job.AssignedProviderID, "error", cause)
	}
	d := o.poll.Delay(t.job.JobID, t.pollAttempt)
	t.pollAttempt++
	o.schedule(t, d)
}

// collect fetches the result, runs POST and completes the job. A POST DENY
// still completes the job but quarantines the result.
func (o *Orchestrator) collect(ctx context.Context, t *tracked, a provider.Adapter) {
	result, err := a.Fetch(t.ctx, t.job.ProviderHandle)
	if o.interrupted(t) {
		return
	}
	if err != nil {
		if provider.IsPermanent(err) {
			o.attemptFailed(ctx, t, "fetch", err)
			return
		}
		o.pollLater(ctx, t, err)
		return
	}
	if result == nil {
		result = &contracts.Result{}
	}
	if result.ProviderID == "" {
		result.ProviderID = t.job.AssignedProviderID
	}
	units := result.Usage.Units
	if units <= 0 {
		units = t.spec.Units
	}

	next := t.job.Clone()
	next.State = contracts.JobCompleted
	next.Result = result
	next.Error = ""
	next.ActualCost = t.desc.CostModel.Cost(units)

	desc := t.desc
	post := o.governor.PostCheck(ctx, policy.Subject{
		Problem:      t.spec,
		Job:          next,
		Provider:     &desc,
		Result:       result,
		CostEstimate: next.CostEstimate,
	})
	if err := o.store.PutDecision(ctx, post); err != nil {
		o.logger.Error("store decision", "decision_id", post.DecisionID, "error", err)
	}
	next.PostDecisionID = post.DecisionID
	next.Reason = contracts.ReasonCompleted
	if post.Denied() {
		next.Quarantined = true
		next.Reason = contracts.ReasonPolicyHold
	}
	if err := o.finish(ctx, t, next, contracts.JobCompleted, ledgerData{"decision": post}); err != nil {
		return
	}
	// Quarantined results are billable: the compute happened.
	if err := o.governor.Settle(ctx, t.reservation, next.ActualCost); err != nil {
		o.logger.Warn("settle reservation", "job_id", next.JobID, "client_id", next.ClientID, "error", err)
	}
}

// fail ends t in FAILED and releases its reservation. Caller holds t.mu.
func (o *Orchestrator) fail(ctx context.Context, t *tracked, reason, msg string, data ledgerData) error {
	next := t.job.Clone()
	next.Reason = reason
	next.Error = msg
	if err := o.finish(ctx, t, next, contracts.JobFailed, data); err != nil {
		return err
	}
	if err := o.governor.Release(ctx, t.reservation); err != nil {
		o.logger.Warn("release reservation", "job_id", next.JobID, "client_id", next.ClientID, "error", err)
	}
	return nil
}

// finish commits a terminal state and stops tracking t. Caller holds t.mu.
func (o *Orchestrator) finish(ctx context.Context, t *tracked, next *contracts.Job, state contracts.JobState, data ledgerData) error {
	now := o.now().UTC()
	next.State = state
	next.CompletedAt = &now
	if err := o.commit(ctx, t, next, string(state), data); err != nil {
		return err
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	o.mu.Lock()
	delete(o.jobs, next.JobID)
	o.mu.Unlock()
	t.cancel()
	return nil
}
