package api

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/normalize"
	"github.com/Mindburn-Labs/qhub/pkg/observability"
)

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, spec *contracts.ProblemSpec) (*contracts.Job, error)
	Get(ctx context.Context, jobID string) (*contracts.Job, error)
	Cancel(ctx context.Context, jobID string) (*contracts.Job, error)
}

// Ledger is the audit ledger surface the API reads.
type Ledger interface {
	Search(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error]
	VerifyChain(ctx context.Context, from, to uint64) (ledger.VerifyResult, error)
	Prove(ctx context.Context, seq uint64) (*ledger.Proof, error)
	Checkpoint(ctx context.Context) (*ledger.Checkpoint, error)
	Head() ledger.Head
	KeyRing() *crypto.KeyRing
}

// Catalog lists registered providers.
type Catalog interface {
	All() []contracts.ProviderDescriptor
}

// Normalizer turns a submission into a canonical problem.
type Normalizer interface {
	Normalize(req normalize.Request) (*contracts.ProblemSpec, error)
}

// Options configures a Server.
type Options struct {
	Auth          Authenticator
	RatePerSecond float64
	Burst         int
	MaxBodyBytes  int64
	Telemetry     *observability.Provider
	Logger        *slog.Logger
}

// Server routes HTTP requests to the hub components.
type Server struct {
	jobs    Jobs
	ledger  Ledger
	catalog Catalog
	norm    Normalizer
	opts    Options
	limiter *ClientRateLimiter
	logger  *slog.Logger
}

// NewServer creates a server.
func NewServer(jobs Jobs, l Ledger, catalog Catalog, norm Normalizer, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		jobs:    jobs,
		ledger:  l,
		catalog: catalog,
		norm:    norm,
		opts:    opts,
		limiter: NewClientRateLimiter(opts.RatePerSecond, opts.Burst),
		logger:  logger,
	}
}

// Limiter exposes the rate limiter so its eviction loop can be run.
func (s *Server) Limiter() *ClientRateLimiter { return s.limiter }

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /jobs", s.handleSubmit)
	s.route(mux, "GET /jobs/{id}", s.handleGetJob)
	s.route(mux, "POST /jobs/{id}/cancel", s.handleCancel)
	s.route(mux, "GET /providers", s.handleProviders)
	s.route(mux, "GET /ledger", s.handleLedger)
	s.route(mux, "GET /ledger/verify", s.handleVerify)
	s.route(mux, "GET /ledger/proof/{seq}", s.handleProof)
	s.route(mux, "POST /ledger/checkpoint", s.handleCheckpoint)
	s.route(mux, "GET /health", s.handleHealth)

	return Chain(mux,
		RequestID,
		AccessLog(s.logger),
		MaxBody(s.opts.MaxBodyBytes),
		AuthMiddleware(s.opts.Auth),
		s.limiter.Middleware,
	)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.opts.Telemetry != nil {
		handler = s.opts.Telemetry.Middleware(pattern, handler)
	}
	mux.Handle(pattern, handler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireIdentity returns the caller or writes a 401. Routes behind
// AuthMiddleware always have one.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return nil, false
	}
	return id, true
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.catalog.All()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := map[contracts.HealthStatus]int{}
	for _, d := range s.catalog.All() {
		counts[d.HealthStatus]++
	}
	head := s.ledger.Head()
	status := "ok"
	if counts[contracts.HealthHealthy]+counts[contracts.HealthDegraded] == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": counts,
		"ledger":    head,
	})
}
