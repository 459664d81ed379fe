package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/qhub/pkg/archive"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/orchestrator"
	"github.com/Mindburn-Labs/qhub/pkg/policy"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
	"github.com/Mindburn-Labs/qhub/pkg/registry"
)

// Adapter types a provider entry may name.
const (
	AdapterAnneal = "anneal"
	AdapterRemote = "remote"
	AdapterLLM    = "llm"
	AdapterWASM   = "wasm"
	AdapterMock   = "mock"
)

// Auth modes.
const (
	AuthJWT    = "jwt"
	AuthHeader = "header" // trusts a client id header; development only
)

// HubFile is the declarative hub configuration.
type HubFile struct {
	Orchestrator OrchestratorSection `yaml:"orchestrator" json:"orchestrator"`
	Ledger       LedgerSection       `yaml:"ledger" json:"ledger"`
	Providers    []ProviderConfig    `yaml:"providers" json:"providers"`
	Policy       PolicySection       `yaml:"policy" json:"policy"`
	Spend        SpendSection        `yaml:"spend" json:"spend"`
	HealthSweep  time.Duration       `yaml:"health_sweep_interval" json:"health_sweep_interval"`
	API          APISection          `yaml:"api" json:"api"`
	Auth         AuthSection         `yaml:"auth" json:"auth"`
}

// OrchestratorSection extends the orchestrator settings with the provider
// call timeout.
type OrchestratorSection struct {
	orchestrator.Config `yaml:",inline"`
	CallTimeout         time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// LedgerSection configures the audit ledger.
type LedgerSection struct {
	CheckpointEvery int            `yaml:"checkpoint_every" json:"checkpoint_every"`
	SegmentSize     int            `yaml:"segment_size" json:"segment_size"`
	Hash            string         `yaml:"hash" json:"hash"`
	SigningKeyID    string         `yaml:"signing_key_id" json:"signing_key_id"`
	MasterSeedEnv   string         `yaml:"master_seed_env" json:"master_seed_env"`
	Archive         archive.Config `yaml:"archive" json:"archive"`
}

// ProviderConfig declares one provider. Fields below Version are read only
// by the adapter type that uses them.
type ProviderConfig struct {
	ID           string                   `yaml:"id" json:"id"`
	Type         string                   `yaml:"type" json:"type"`
	Kinds        []string                 `yaml:"kinds" json:"kinds"`
	Capacity     contracts.CapacityLimits `yaml:"capacity" json:"capacity"`
	Cost         contracts.CostModel      `yaml:"cost" json:"cost"`
	Jurisdiction string                   `yaml:"jurisdiction" json:"jurisdiction"`
	Tier         string                   `yaml:"tier" json:"tier"`
	Version      string                   `yaml:"version" json:"version"`

	// remote, llm
	BaseURL  string        `yaml:"base_url" json:"base_url,omitempty"`
	TokenEnv string        `yaml:"token_env" json:"token_env,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// remote
	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold,omitempty"`
	BreakerReset     time.Duration `yaml:"breaker_reset" json:"breaker_reset,omitempty"`
	// llm
	Model string `yaml:"model" json:"model,omitempty"`
	// anneal
	Sweeps        int    `yaml:"sweeps" json:"sweeps,omitempty"`
	Restarts      int    `yaml:"restarts" json:"restarts,omitempty"`
	Seed          uint64 `yaml:"seed" json:"seed,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent,omitempty"`
	// wasm
	ModuleDir      string `yaml:"module_dir" json:"module_dir,omitempty"`
	MemoryLimitMiB int64  `yaml:"memory_limit_mib" json:"memory_limit_mib,omitempty"`
}

// Descriptor builds the registry descriptor of the entry.
func (p ProviderConfig) Descriptor() (contracts.ProviderDescriptor, error) {
	d := contracts.ProviderDescriptor{
		ProviderID:     p.ID,
		CapacityLimits: p.Capacity,
		CostModel:      p.Cost,
		Jurisdiction:   p.Jurisdiction,
		Tier:           p.Tier,
		AdapterVersion: p.Version,
	}
	for _, k := range p.Kinds {
		kind, err := contracts.ParseProblemKind(k)
		if err != nil {
			return d, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		d.SupportedKinds = append(d.SupportedKinds, kind)
	}
	return d, nil
}

// Token resolves the credential named by TokenEnv.
func (p ProviderConfig) Token() string {
	if p.TokenEnv == "" {
		return ""
	}
	return os.Getenv(p.TokenEnv)
}

// PolicySection holds the governance rules.
type PolicySection struct {
	Rules []policy.Rule `yaml:"rules" json:"rules"`
}

// SpendSection configures rolling-window spend ceilings.
type SpendSection struct {
	Window          time.Duration `yaml:"window" json:"window"`
	policy.Ceilings `yaml:",inline"`
}

// APISection configures the HTTP surface.
type APISection struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
	MaxBodyBytes  int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// AuthSection selects how callers are identified.
type AuthSection struct {
	Mode         string `yaml:"mode" json:"mode"`
	JWTSecretEnv string `yaml:"jwt_secret_env" json:"jwt_secret_env"`
	Issuer       string `yaml:"issuer" json:"issuer"`
	Audience     string `yaml:"audience" json:"audience"`
	Header       string `yaml:"header" json:"header"`
}

// Secret resolves the JWT HMAC secret.
func (a AuthSection) Secret() []byte {
	if a.JWTSecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(a.JWTSecretEnv))
}

// DefaultHubFile returns the configuration used when no hub file is given:
// one in-process annealer and no rules.
func DefaultHubFile() *HubFile {
	return &HubFile{
		Orchestrator: OrchestratorSection{
			Config: orchestrator.Config{
				Workers:     orchestrator.DefaultWorkers,
				MaxRetries:  orchestrator.DefaultMaxRetries,
				PollBase:    time.Second,
				PollMax:     30 * time.Second,
				PollTimeout: orchestrator.DefaultPollTimeout,
				JobDeadline: orchestrator.DefaultJobDeadline,
			},
			CallTimeout: provider.DefaultCallTimeout,
		},
		Ledger: LedgerSection{
			CheckpointEvery: 1000,
			SegmentSize:     10000,
			Hash:            crypto.AlgSHA256,
			SigningKeyID:    "ltc-1",
			MasterSeedEnv:   "QHUB_MASTER_SEED",
		},
		Providers: []ProviderConfig{{
			ID:      "anneal-local",
			Type:    AdapterAnneal,
			Kinds:   []string{"QUBO", "ISING", "PORTFOLIO"},
			Cost:    contracts.CostModel{PerUnit: 0.001, Currency: "USD"},
			Tier:    "classical",
			Version: "1.0.0",
		}},
		Spend:       SpendSection{Window: policy.DefaultSpendWindow},
		HealthSweep: registry.DefaultSweepInterval,
		API: APISection{
			RatePerSecond: 20,
			Burst:         40,
			MaxBodyBytes:  4 << 20,
		},
		Auth: AuthSection{
			Mode:         AuthJWT,
			JWTSecretEnv: "QHUB_JWT_SECRET",
			Header:       "X-Client-ID",
		},
	}
}

// LoadHubFile reads the hub file at path over the defaults. An empty path
// returns the defaults. A providers list in the file replaces the default
// provider.
func LoadHubFile(path string) (*HubFile, error) {
	hf := DefaultHubFile()
	if path == "" {
		return hf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load hub file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, hf); err != nil {
		return nil, fmt.Errorf("parse hub file %q: %w", path, err)
	}
	if err := hf.Validate(); err != nil {
		return nil, fmt.Errorf("hub file %q: %w", path, err)
	}
	return hf, nil
}

// Validate checks references the YAML schema cannot express. Rule
// conditions are compiled later by the policy engine.
func (hf *HubFile) Validate() error {
	if _, err := crypto.NewHasher(hf.Ledger.Hash); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	switch hf.Ledger.Archive.Backend {
	case archive.BackendNone, archive.BackendFS, archive.BackendS3, archive.BackendGCS:
	default:
		return fmt.Errorf("ledger: unsupported archive backend %q", hf.Ledger.Archive.Backend)
	}
	if len(hf.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	seen := make(map[string]struct{}, len(hf.Providers))
	for i, p := range hf.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		switch p.Type {
		case AdapterAnneal, AdapterMock:
		case AdapterRemote, AdapterLLM:
			if p.BaseURL == "" && p.Type == AdapterRemote {
				return fmt.Errorf("provider %s: base_url is required", p.ID)
			}
		case AdapterWASM:
			if p.ModuleDir == "" {
				return fmt.Errorf("provider %s: module_dir is required", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
		if _, err := p.Descriptor(); err != nil {
			return err
		}
	}
	switch hf.Auth.Mode {
	case AuthJWT, AuthHeader:
	default:
		return fmt.Errorf("auth: unknown mode %q", hf.Auth.Mode)
	}
	if hf.API.RatePerSecond < 0 || hf.API.Burst < 0 {
		return fmt.Errorf("api: rate limits must not be negative")
	}
	return nil
}

// CheckProduction reports settings that are unsafe outside development.
func (hf *HubFile) CheckProduction() error {
	if hf.Auth.Mode == AuthHeader {
		return fmt.Errorf("auth mode %q is not allowed in production", AuthHeader)
	}
	if len(hf.Auth.Secret()) < 32 {
		return fmt.Errorf("auth: %s must hold at least 32 bytes", hf.Auth.JWTSecretEnv)
	}
	if hf.Ledger.MasterSeedEnv == "" || os.Getenv(hf.Ledger.MasterSeedEnv) == "" {
		return fmt.Errorf("ledger: a master seed is required in production")
	}
	return nil
}
