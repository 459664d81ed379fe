// Package remote adapts a generic REST compute backend:
//
//	POST   /jobs             submit, deduplicated by Idempotency-Key
//	GET    /jobs/{id}        status
//	GET    /jobs/{id}/result result
//	DELETE /jobs/{id}        cancel
//	GET    /health           liveness
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// Config for a remote backend.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Adapter talks to one remote backend.
type Adapter struct {
	desc    contracts.ProviderDescriptor
	base    string
	token   string
	client  *http.Client
	breaker *provider.CircuitBreaker
}

// New creates a remote adapter.
func New(desc contracts.ProviderDescriptor, cfg Config) (*Adapter, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote %s: invalid base url: %w", desc.ProviderID, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	return &Adapter{
		desc:    desc,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: provider.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
	}, nil
}

func (a *Adapter) Descriptor() contracts.ProviderDescriptor {
	return a.desc.Clone()
}

type submitRequest struct {
	ProblemID string                `json:"problem_id"`
	Kind      contracts.ProblemKind `json:"kind"`
	Payload   json.RawMessage       `json:"payload"`
	Units     float64               `json:"units"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status     string `json:"status"`
	ETASeconds *int   `json:"eta_seconds,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, spec *contracts.ProblemSpec) (string, error) {
	body, err := json.Marshal(submitRequest{ProblemID: spec.ID, Kind: spec.Kind, Payload: spec.Payload, Units: spec.Units})
	if err != nil {
		return "", provider.Permanent(a.desc.ProviderID, "submit", err)
	}
	var out submitResponse
	if err := a.do(ctx, "submit", http.MethodPost, "/jobs", body, spec.ID, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", provider.Transient(a.desc.ProviderID, "submit", errors.New("empty job id in response"))
	}
	return out.ID, nil
}

func (a *Adapter) Poll(ctx context.Context, handle string) (provider.PollResult, error) {
	var out statusResponse
	if err := a.do(ctx, "poll", http.MethodGet, "/jobs/"+url.PathEscape(handle), nil, "", &out); err != nil {
		return provider.PollResult{}, err
	}
	return provider.PollResult{Status: mapStatus(out.Status), ETASeconds: out.ETASeconds, Message: out.Message}, nil
}

func mapStatus(s string) provider.Status {
	switch strings.ToUpper(s) {
	case "QUEUED", "PENDING", "SUBMITTED":
		return provider.StatusPending
	case "SUCCEEDED", "COMPLETED", "DONE":
		return provider.StatusSucceeded
	case "FAILED", "ERROR":
		return provider.StatusFailed
	case "CANCELLED", "CANCELED":
		return provider.StatusCancelled
	default:
		return provider.StatusRunning
	}
}

func (a *Adapter) Fetch(ctx context.Context, handle string) (*contracts.Result, error) {
	var out contracts.Result
	if err := a.do(ctx, "fetch", http.MethodGet, "/jobs/"+url.PathEscape(handle)+"/result", nil, "", &out); err != nil {
		return nil, err
	}
	out.ProviderID = a.desc.ProviderID
	return &out, nil
}

// Cancel asks the backend to stop the job.
func (a *Adapter) Cancel(ctx context.Context, handle string) error {
	return a.do(ctx, "cancel", http.MethodDelete, "/jobs/"+url.PathEscape(handle), nil, "", nil)
}

// CheckHealth measures a round trip to /health.
func (a *Adapter) CheckHealth(ctx context.Context) (contracts.HealthStatus, time.Duration, error) {
	start := time.Now()
	err := a.do(ctx, "health", http.MethodGet, "/health", nil, "", nil)
	latency := time.Since(start)
	switch {
	case err == nil:
		return contracts.HealthHealthy, latency, nil
	case errors.Is(err, provider.ErrCircuitOpen):
		return contracts.HealthDown, latency, nil
	case provider.IsPermanent(err):
		return contracts.HealthDegraded, latency, nil
	default:
		return contracts.HealthDown, latency, nil
	}
}

func (a *Adapter) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string, out any) error {
	id := a.desc.ProviderID
	if !a.breaker.Allow() {
		return provider.Transient(id, op, provider.ErrCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, bytes.NewReader(body))
	if err != nil {
		return provider.Permanent(id, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.Failure()
		return provider.Transient(id, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := provider.StatusError(id, op, resp)
		if !provider.IsPermanent(perr) {
			a.breaker.Failure()
		} else {
			a.breaker.Success()
		}
		return perr
	}
	a.breaker.Success()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Transient(id, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
