// Package llm adapts an OpenAI-compatible chat completions endpoint for
// TEXT_GENERATION problems.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// Config for a chat completions backend.
type Config struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Adapter runs each completion in the background so Submit returns at once.
type Adapter struct {
	desc   contracts.ProviderDescriptor
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	byProblem map[string]string
	runs      map[string]*completion
	wg        sync.WaitGroup
}

type completion struct {
	cancel  context.CancelFunc
	status  provider.Status
	result  *contracts.Result
	err     error
	started time.Time
}

// New creates an LLM adapter. SupportedKinds defaults to TEXT_GENERATION.
func New(desc contracts.ProviderDescriptor, cfg Config) *Adapter {
	if len(desc.SupportedKinds) == 0 {
		desc.SupportedKinds = []contracts.ProblemKind{contracts.KindTextGeneration}
	}
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		desc:      desc,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		byProblem: make(map[string]string),
		runs:      make(map[string]*completion),
	}
}

func (a *Adapter) Descriptor() contracts.ProviderDescriptor {
	return a.desc.Clone()
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Submit(_ context.Context, spec *contracts.ProblemSpec) (string, error) {
	id := a.desc.ProviderID
	if spec.Kind != contracts.KindTextGeneration {
		return "", provider.Permanent(id, "submit", fmt.Errorf("kind %s not supported", spec.Kind))
	}
	if !a.desc.CapacityLimits.Fits(spec.Size) {
		return "", provider.Permanent(id, "submit", fmt.Errorf("%d prompt tokens exceed capacity %d", spec.Size.PromptTokens, a.desc.CapacityLimits.MaxPromptTokens))
	}
	var p contracts.TextPayload
	if err := spec.DecodePayload(&p); err != nil {
		return "", provider.Permanent(id, "submit", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.byProblem[spec.ID]; ok {
		return h, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := uuid.NewString()
	c := &completion{cancel: cancel, status: provider.StatusRunning, started: time.Now()}
	a.byProblem[spec.ID] = handle
	a.runs[handle] = c

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		res, err := a.chat(ctx, p)
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case errors.Is(err, context.Canceled):
			c.status = provider.StatusCancelled
		case err != nil:
			c.status = provider.StatusFailed
			c.err = err
		default:
			res.Usage.RuntimeMs = time.Since(c.started).Milliseconds()
			c.status = provider.StatusSucceeded
			c.result = res
		}
	}()
	return handle, nil
}

func (a *Adapter) chat(ctx context.Context, p contracts.TextPayload) (*contracts.Result, error) {
	model := p.Model
	if model == "" {
		model = a.cfg.Model
	}
	var msgs []message
	if p.System != "" {
		msgs = append(msgs, message{Role: "system", Content: p.System})
	}
	msgs = append(msgs, message{Role: "user", Content: p.Prompt})

	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, MaxTokens: p.MaxTokens, Temperature: p.Temperature})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.StatusError(a.desc.ProviderID, "chat", resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("llm: empty choices in response")
	}
	return &contracts.Result{
		ProviderID: a.desc.ProviderID,
		Text:       out.Choices[0].Message.Content,
		Usage:      contracts.Usage{Units: float64(out.Usage.TotalTokens)},
		Metadata: map[string]string{
			"model":         out.Model,
			"finish_reason": out.Choices[0].FinishReason,
		},
	}, nil
}

func (a *Adapter) Poll(_ context.Context, handle string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.runs[handle]
	if !ok {
		return provider.PollResult{}, provider.Permanent(a.desc.ProviderID, "poll", provider.ErrUnknownHandle)
	}
	res := provider.PollResult{Status: c.status}
	if c.err != nil {
		res.Message = c.err.Error()
	}
	return res, nil
}

func (a *Adapter) Fetch(_ context.Context, handle string) (*contracts.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.runs[handle]
	if !ok {
		return nil, provider.Permanent(a.desc.ProviderID, "fetch", provider.ErrUnknownHandle)
	}
	if c.result == nil {
		return nil, provider.Transient(a.desc.ProviderID, "fetch", fmt.Errorf("completion is %s", c.status))
	}
	cp := *c.result
	return &cp, nil
}

// Cancel aborts an in-flight completion.
func (a *Adapter) Cancel(_ context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.runs[handle]; ok {
		c.cancel()
	}
	return nil
}

// Close cancels all completions and waits for them.
func (a *Adapter) Close() error {
	a.mu.Lock()
	for _, c := range a.runs {
		c.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
