// Package wasm runs CUSTOM problems in WASI modules: the problem input is
// written to the module's stdin and its stdout must be a JSON document.
// Modules get no filesystem, network, clock or environment.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// OutputMaxBytes caps stdout of one run.
const OutputMaxBytes = 1 << 20

// Config limits each run.
type Config struct {
	MemoryLimitBytes int64
	RunTimeout       time.Duration
}

// Adapter executes named solver modules.
type Adapter struct {
	desc    contracts.ProviderDescriptor
	cfg     Config
	runtime wazero.Runtime
	modules map[string]wazero.CompiledModule
	logger  *slog.Logger

	mu        sync.Mutex
	byProblem map[string]string
	runs      map[string]*execution
	wg        sync.WaitGroup
}

type execution struct {
	cancel  context.CancelFunc
	status  provider.Status
	output  []byte
	err     error
	elapsed time.Duration
	units   float64
}

// New compiles every module in modules (solver name to WASM bytes).
func New(ctx context.Context, desc contracts.ProviderDescriptor, cfg Config, modules map[string][]byte) (*Adapter, error) {
	if len(desc.SupportedKinds) == 0 {
		desc.SupportedKinds = []contracts.ProblemKind{contracts.KindCustom}
	}
	if desc.HealthStatus == "" {
		desc.HealthStatus = contracts.HealthHealthy
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	a := &Adapter{
		desc:      desc,
		cfg:       cfg,
		runtime:   r,
		modules:   make(map[string]wazero.CompiledModule, len(modules)),
		logger:    slog.Default().With("component", "wasm", "provider_id", desc.ProviderID),
		byProblem: make(map[string]string),
		runs:      make(map[string]*execution),
	}
	for name, bin := range modules {
		compiled, err := r.CompileModule(ctx, bin)
		if err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("compile solver %s: %w", name, err)
		}
		a.modules[name] = compiled
	}
	return a, nil
}

// LoadDir reads every *.wasm file in dir, keyed by file name without
// extension. A missing directory or one without modules is an error.
func LoadDir(dir string) (map[string][]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("module dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("module dir %s is not a directory", dir)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("module dir %s has no .wasm modules", dir)
	}
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		bin, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read module %s: %w", p, err)
		}
		out[strings.TrimSuffix(filepath.Base(p), ".wasm")] = bin
	}
	return out, nil
}

func (a *Adapter) Descriptor() contracts.ProviderDescriptor {
	return a.desc.Clone()
}

// Solvers lists the loaded module names.
func (a *Adapter) Solvers() []string {
	out := make([]string, 0, len(a.modules))
	for name := range a.modules {
		out = append(out, name)
	}
	return out
}

func (a *Adapter) Submit(_ context.Context, spec *contracts.ProblemSpec) (string, error) {
	id := a.desc.ProviderID
	if spec.Kind != contracts.KindCustom {
		return "", provider.Permanent(id, "submit", fmt.Errorf("kind %s not supported", spec.Kind))
	}
	var p contracts.CustomPayload
	if err := spec.DecodePayload(&p); err != nil {
		return "", provider.Permanent(id, "submit", err)
	}
	compiled, ok := a.modules[p.Solver]
	if !ok {
		return "", provider.Permanent(id, "submit", fmt.Errorf("solver %q not loaded", p.Solver))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.byProblem[spec.ID]; ok {
		return h, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
	handle := uuid.NewString()
	ex := &execution{cancel: cancel, status: provider.StatusRunning, units: spec.Units}
	a.byProblem[spec.ID] = handle
	a.runs[handle] = ex

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		start := time.Now()
		out, err := a.run(ctx, compiled, p.Input)
		a.mu.Lock()
		defer a.mu.Unlock()
		ex.elapsed = time.Since(start)
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			ex.status = provider.StatusCancelled
		case err != nil:
			ex.status = provider.StatusFailed
			ex.err = err
			a.logger.Warn("solver failed", "solver", p.Solver, "error", err)
		default:
			ex.status = provider.StatusSucceeded
			ex.output = out
		}
	}()
	return handle, nil
}

func (a *Adapter) run(ctx context.Context, compiled wazero.CompiledModule, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			err = nil
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("solver stopped: %w", ctx.Err())
		} else {
			return nil, fmt.Errorf("solver failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	if stdout.Len() > OutputMaxBytes {
		return nil, fmt.Errorf("output size %d exceeds limit %d", stdout.Len(), OutputMaxBytes)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("solver output is not JSON")
	}
	return out, nil
}

func (a *Adapter) Poll(_ context.Context, handle string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.runs[handle]
	if !ok {
		return provider.PollResult{}, provider.Permanent(a.desc.ProviderID, "poll", provider.ErrUnknownHandle)
	}
	res := provider.PollResult{Status: ex.status}
	if ex.err != nil {
		res.Message = ex.err.Error()
	}
	return res, nil
}

func (a *Adapter) Fetch(_ context.Context, handle string) (*contracts.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.runs[handle]
	if !ok {
		return nil, provider.Permanent(a.desc.ProviderID, "fetch", provider.ErrUnknownHandle)
	}
	if ex.status != provider.StatusSucceeded {
		return nil, provider.Transient(a.desc.ProviderID, "fetch", fmt.Errorf("run is %s", ex.status))
	}
	return &contracts.Result{
		ProviderID: a.desc.ProviderID,
		Output:     append(json.RawMessage(nil), ex.output...),
		Usage:      contracts.Usage{Units: ex.units, RuntimeMs: ex.elapsed.Milliseconds()},
	}, nil
}

// Cancel stops a running module.
func (a *Adapter) Cancel(_ context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ex, ok := a.runs[handle]; ok {
		ex.cancel()
	}
	return nil
}

// Close stops all runs and releases the runtime.
func (a *Adapter) Close() error {
	a.mu.Lock()
	for _, ex := range a.runs {
		ex.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.runtime.Close(ctx)
}
