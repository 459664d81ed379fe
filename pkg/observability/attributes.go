package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Hub semantic convention attributes.
var (
	AttrJobID      = attribute.Key("qhub.job.id")
	AttrJobState   = attribute.Key("qhub.job.state")
	AttrClientID   = attribute.Key("qhub.client.id")
	AttrProviderID = attribute.Key("qhub.provider.id")
	AttrKind       = attribute.Key("qhub.problem.kind")
	AttrVerdict    = attribute.Key("qhub.policy.verdict")
)

// JobOperation creates attributes for an orchestrator step.
func JobOperation(jobID, clientID, state, providerID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrClientID.String(clientID),
		AttrJobState.String(state),
	}
	if providerID != "" {
		attrs = append(attrs, AttrProviderID.String(providerID))
	}
	return attrs
}

// PolicyOperation creates attributes for a policy evaluation.
func PolicyOperation(kind, stage, verdict string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrKind.String(kind),
		attribute.String("qhub.policy.stage", stage),
		AttrVerdict.String(verdict),
	}
}
