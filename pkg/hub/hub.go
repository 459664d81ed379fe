// Package hub assembles the Quantum Hub from its configuration: job and
// ledger stores, the audit ledger, provider adapters, governance, the
// orchestrator and the HTTP surface.
package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qhub/pkg/api"
	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/normalize"
	"github.com/Mindburn-Labs/qhub/pkg/observability"
	"github.com/Mindburn-Labs/qhub/pkg/orchestrator"
	"github.com/Mindburn-Labs/qhub/pkg/policy"
	"github.com/Mindburn-Labs/qhub/pkg/registry"
	"github.com/Mindburn-Labs/qhub/pkg/store"
)

// ShutdownTimeout bounds the graceful stop of the HTTP servers.
const ShutdownTimeout = 15 * time.Second

// Hub is a running hub. Build it with New, then Start and Serve.
type Hub struct {
	Config *config.Config
	File   *config.HubFile

	DB           *sql.DB
	Store        store.Store
	Ledger       *ledger.Ledger
	Registry     *registry.Registry
	Governor     *policy.Governor
	Normalizer   *normalize.Normalizer
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server
	Telemetry    *observability.Provider

	sweeper *registry.Sweeper
	logger  *slog.Logger

	ledgerStore *ledgerStore
	closers     []io.Closer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, hf *config.HubFile) (_ *Hub, err error) {
	if err := hf.Validate(); err != nil {
		return nil, err
	}
	if cfg.Production {
		if err := hf.CheckProduction(); err != nil {
			return nil, fmt.Errorf("production check: %w", err)
		}
	}

	h := &Hub{Config: cfg, File: hf, logger: slog.Default().With("component", "hub")}
	defer func() {
		if err != nil {
			h.closeResources()
		}
	}()

	if cfg.OTelEnabled {
		tc := observability.DefaultConfig()
		tc.Enabled = true
		tc.OTLPEndpoint = cfg.OTLPEndpoint
		if cfg.Production {
			tc.Environment = "production"
		}
		if h.Telemetry, err = observability.New(ctx, tc); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	var dialect store.Dialect
	if h.DB, dialect, err = openDB(ctx, cfg, h.logger); err != nil {
		return nil, err
	}
	jobs := store.NewSQLStore(h.DB, dialect)
	if err = jobs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init job store: %w", err)
	}
	h.Store = jobs

	if h.ledgerStore, err = openLedgerStore(ctx, cfg, hf, h.DB, dialect, h.logger); err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	signer, err := loadSigner(cfg, hf, true, h.logger)
	if err != nil {
		return nil, err
	}
	lopts, err := ledgerOptions(hf, h.logger)
	if err != nil {
		return nil, err
	}
	if h.Ledger, err = ledger.New(ctx, h.ledgerStore.store, signer, lopts...); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	h.logger.Info("ledger ready", "key_id", signer.KeyID(), "next_sequence", h.Ledger.Head().NextSequence)

	h.Registry = registry.New()
	closers, err := registerProviders(ctx, h.Registry, hf.Providers, hf.Orchestrator.CallTimeout)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, closers...)
	h.sweeper = registry.NewSweeper(h.Registry, hf.HealthSweep)

	engine, err := policy.NewEngine(hf.Policy.Rules, policy.WithLogger(slog.Default().With("component", "policy")))
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	spend, err := h.spendTracker(ctx)
	if err != nil {
		return nil, err
	}
	h.Governor = policy.NewGovernor(engine, spend, hf.Spend.Ceilings)

	if h.Normalizer, err = normalize.New(); err != nil {
		return nil, fmt.Errorf("normalizer: %w", err)
	}
	h.Orchestrator = orchestrator.New(hf.Orchestrator.Config, h.Ledger, h.Store, h.Governor, h.Registry)

	auth, err := h.authenticator()
	if err != nil {
		return nil, err
	}
	h.Server = api.NewServer(h.Orchestrator, h.Ledger, h.Registry, h.Normalizer, api.Options{
		Auth:          auth,
		RatePerSecond: hf.API.RatePerSecond,
		Burst:         hf.API.Burst,
		MaxBodyBytes:  hf.API.MaxBodyBytes,
		Telemetry:     h.Telemetry,
	})
	return h, nil
}

func (h *Hub) spendTracker(ctx context.Context) (policy.SpendTracker, error) {
	window := h.File.Spend.Window
	if h.Config.RedisAddr == "" {
		return policy.NewMemorySpendTracker(window), nil
	}
	rt := policy.NewRedisSpendTrackerAddr(h.Config.RedisAddr, h.Config.RedisPass, 0, window)
	if err := rt.Ping(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("redis spend tracker: %w", err)
	}
	h.closers = append(h.closers, rt)
	h.logger.Info("spend tracker: redis", "addr", h.Config.RedisAddr)
	return rt, nil
}

func (h *Hub) authenticator() (api.Authenticator, error) {
	a := h.File.Auth
	if a.Mode == config.AuthHeader {
		h.logger.Warn("header authentication trusts the caller; development only", "header", a.Header)
		return api.HeaderAuthenticator{Header: a.Header}, nil
	}
	secret := a.Secret()
	if len(secret) == 0 {
		// Fail closed: every authenticated route answers 401.
		h.logger.Warn("no JWT secret configured; API requests will be rejected", "env", a.JWTSecretEnv)
		return nil, nil
	}
	return api.NewJWTAuthenticator(secret, a.Issuer, a.Audience)
}

// Start closes jobs a previous process left open, then launches the
// workers, the health sweeper and the rate limiter eviction loop.
func (h *Hub) Start(ctx context.Context) error {
	n, err := h.Orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		h.logger.Warn("interrupted jobs failed on startup", "count", n)
	}
	h.Orchestrator.Start()

	bg, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.sweeper.Run(bg)
	}()
	go func() {
		defer h.wg.Done()
		h.Server.Limiter().Run(bg)
	}()
	return nil
}

// Handler is the API handler.
func (h *Hub) Handler() http.Handler { return h.Server.Handler() }

// Serve runs the API and health listeners until ctx is done, then shuts
// them down gracefully.
func (h *Hub) Serve(ctx context.Context) error {
	apiSrv := &http.Server{
		Addr:              net.JoinHostPort("", h.Config.Port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{
		Addr:              net.JoinHostPort("", h.Config.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		go func() {
			h.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("api shutdown", "error", err)
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("health shutdown", "error", err)
	}
	return serveErr
}

// Close stops the workers and releases every resource. Safe to call twice.
func (h *Hub) Close() error {
	var err error
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		if h.Orchestrator != nil {
			h.Orchestrator.Stop()
		}
		err = h.closeResources()
	})
	return err
}

func (h *Hub) closeResources() error {
	var errs []error
	closeAll(h.closers)
	h.closers = nil
	if h.Ledger != nil {
		errs = append(errs, h.Ledger.Close())
		h.Ledger = nil
	}
	if h.ledgerStore != nil {
		errs = append(errs, h.ledgerStore.close())
		h.ledgerStore = nil
	}
	if h.DB != nil {
		errs = append(errs, h.DB.Close())
		h.DB = nil
	}
	if h.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, h.Telemetry.Shutdown(ctx))
		cancel()
		h.Telemetry = nil
	}
	return errors.Join(errs...)
}
