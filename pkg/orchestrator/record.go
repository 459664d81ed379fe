package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

// ledgerData is merged into the job snapshot of an entry.
type ledgerData map[string]any

// commit makes next the current job once its ledger entry is durable. The
// store write that follows is an index; its failure is logged only.
func (o *Orchestrator) commit(ctx context.Context, t *tracked, next *contracts.Job, op string, data ledgerData) error {
	next.UpdatedAt = o.now().UTC()

	body := ledgerData{"job": next}
	for k, v := range data {
		body[k] = v
	}
	if op == string(contracts.JobCreated) && t.spec != nil {
		body["problem"] = t.spec
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", op, err)
	}
	rec := ledger.Record{
		Operation: op,
		ClientID:  next.ClientID,
		JobID:     next.JobID,
		ProblemID: next.ProblemID,
		Data:      raw,
	}
	if t.spec != nil {
		rec.DataClassification = t.spec.DataClassification
	}

	if err := o.append(ctx, rec); err != nil {
		t.stalled = true
		return err
	}
	t.job = next
	t.snapshot.Store(next.Clone())
	if err := o.store.PutJob(ctx, next); err != nil {
		o.logger.Error("store job", "job_id", next.JobID, "state", next.State, "error", err)
	}
	o.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", op)))
	o.logger.Debug("job transition",
		"job_id", next.JobID, "client_id", next.ClientID,
		"state", next.State, "operation", op, "provider_id", next.AssignedProviderID)
	return nil
}

// append writes rec, retrying while the ledger refuses. The job is blocked
// for as long as this runs.
func (o *Orchestrator) append(ctx context.Context, rec ledger.Record) error {
	for attempt := 0; ; attempt++ {
		_, err := o.ledger.Append(ctx, rec)
		if err == nil {
			return nil
		}
		o.logger.Error("ledger append failed",
			"alert", true, "job_id", rec.JobID, "client_id", rec.ClientID,
			"operation", rec.Operation, "attempt", attempt, "error", err)
		if errors.Is(err, ledger.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrStalled, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStalled, err)
		case <-time.After(o.ledgerRetry.Delay(rec.JobID, attempt)):
		}
	}
}
