package policy

import (
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

// Subject is what a rule condition can see. Problem is required; Job and
// Result are set at POST; Provider is the target provider when known.
type Subject struct {
	Problem      *contracts.ProblemSpec
	Job          *contracts.Job
	Provider     *contracts.ProviderDescriptor
	Result       *contracts.Result
	CostEstimate float64
	WindowSpend  float64
	SpendCeiling float64
}

func (s Subject) ref(stage contracts.Stage) (string, string) {
	if stage == contracts.StagePost && s.Job != nil {
		return contracts.SubjectJob, s.Job.JobID
	}
	if s.Problem != nil {
		return contracts.SubjectProblem, s.Problem.ID
	}
	return contracts.SubjectProblem, ""
}

// activation maps the subject onto the CEL variables. Absent parts are
// empty maps so conditions can test them with has().
func (s Subject) activation(stage contracts.Stage) map[string]any {
	problem := map[string]any{}
	if p := s.Problem; p != nil {
		problem = map[string]any{
			"id":                  p.ID,
			"kind":                string(p.Kind),
			"client_id":           p.ClientID,
			"data_classification": string(p.DataClassification),
			"classification_rank": p.DataClassification.Rank(),
			"preferred_provider":  p.PreferredProvider,
			"variables":           p.Size.Variables,
			"prompt_tokens":       p.Size.PromptTokens,
			"units":               p.Units,
		}
	}

	client := map[string]any{
		"window_spend":  s.WindowSpend,
		"spend_ceiling": s.SpendCeiling,
	}
	if s.Problem != nil {
		client["id"] = s.Problem.ClientID
	}

	prov := map[string]any{}
	if d := s.Provider; d != nil {
		kinds := make([]string, len(d.SupportedKinds))
		for i, k := range d.SupportedKinds {
			kinds[i] = string(k)
		}
		prov = map[string]any{
			"id":              d.ProviderID,
			"jurisdiction":    d.Jurisdiction,
			"tier":            d.Tier,
			"cost_per_unit":   d.CostModel.PerUnit,
			"adapter_version": d.AdapterVersion,
			"health":          string(d.HealthStatus),
			"supported_kinds": kinds,
		}
	}

	job := map[string]any{}
	if j := s.Job; j != nil {
		job = map[string]any{
			"id":            j.JobID,
			"state":         string(j.State),
			"attempt_count": j.AttemptCount,
			"provider_id":   j.AssignedProviderID,
			"actual_cost":   j.ActualCost,
		}
	}

	result := map[string]any{}
	if r := s.Result; r != nil {
		result = map[string]any{
			"provider_id": r.ProviderID,
			"units":       r.Usage.Units,
			"runtime_ms":  r.Usage.RuntimeMs,
			"text":        r.Text,
			"text_length": len([]rune(r.Text)),
			"has_output":  len(r.Output) > 0,
		}
		if r.Energy != nil {
			result["energy"] = *r.Energy
		}
		if r.Metadata != nil {
			md := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
			result["metadata"] = md
		}
	}

	return map[string]any{
		"stage":         string(stage),
		"cost_estimate": s.CostEstimate,
		"problem":       problem,
		"client":        client,
		"provider":      prov,
		"job":           job,
		"result":        result,
	}
}
