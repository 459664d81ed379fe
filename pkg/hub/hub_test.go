package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/archive"
	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

const quboBody = `{"kind":"QUBO","payload":{"matrix":[[1,-2],[-2,1]]},"data_classification":"PUBLIC"}`

func liteConfig(t *testing.T) (*config.Config, *config.HubFile) {
	t.Helper()
	cfg := &config.Config{
		Port:       "0",
		HealthPort: "0",
		LogLevel:   "INFO",
		DataDir:    t.TempDir(),
	}
	hf := config.DefaultHubFile()
	hf.Auth.Mode = config.AuthHeader
	hf.Orchestrator.PollBase = 5 * time.Millisecond
	hf.Orchestrator.PollMax = 20 * time.Millisecond
	hf.Providers[0].Sweeps = 50
	hf.Providers[0].Restarts = 1
	hf.Providers[0].Seed = 7
	return cfg, hf
}

func startHub(t *testing.T, cfg *config.Config, hf *config.HubFile) (*Hub, *httptest.Server) {
	t.Helper()
	h, err := New(context.Background(), cfg, hf)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func request(t *testing.T, srv *httptest.Server, method, path, client, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", client)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func runJob(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := request(t, srv, http.MethodPost, "/jobs", "acme", quboBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))

	require.Eventually(t, func() bool {
		resp := request(t, srv, http.MethodGet, "/jobs/"+submitted.JobID, "acme", "")
		var v contracts.ClientView
		if json.NewDecoder(resp.Body).Decode(&v) != nil {
			return false
		}
		return v.State == contracts.JobCompleted
	}, 10*time.Second, 10*time.Millisecond)
	return submitted.JobID
}

func TestHub_LiteModeRunsJobs(t *testing.T) {
	cfg, hf := liteConfig(t)
	h, srv := startHub(t, cfg, hf)

	runJob(t, srv)

	resp := request(t, srv, http.MethodGet, "/ledger/verify", "acme", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res ledger.VerifyResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Valid)
	assert.Greater(t, res.Checked, 0)

	head := h.Ledger.Head()
	pub := h.Ledger.PublicKey()
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	for _, name := range []string{dbFileName, keyFileName, ledgerDirName} {
		_, err := os.Stat(filepath.Join(cfg.DataDir, name))
		assert.NoError(t, err, name)
	}

	// A restart resumes the chain with the same key.
	h2, err := New(context.Background(), cfg, hf)
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, head.NextSequence, h2.Ledger.Head().NextSequence)
	assert.Equal(t, head.HeadHash, h2.Ledger.Head().HeadHash)
	assert.Equal(t, pub, h2.Ledger.PublicKey())
}

func TestHub_MasterSeedDerivesKey(t *testing.T) {
	cfg, hf := liteConfig(t)
	t.Setenv(hf.Ledger.MasterSeedEnv, "0123456789abcdef0123456789abcdef")

	h, err := New(context.Background(), cfg, hf)
	require.NoError(t, err)
	pub := h.Ledger.PublicKey()
	require.NoError(t, h.Close())

	_, err = os.Stat(filepath.Join(cfg.DataDir, keyFileName))
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg2, _ := liteConfig(t)
	h2, err := New(context.Background(), cfg2, hf)
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, pub, h2.Ledger.PublicKey())
}

func TestHub_ProductionRefusesWeakConfig(t *testing.T) {
	cfg, hf := liteConfig(t)
	cfg.Production = true
	_, err := New(context.Background(), cfg, hf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "production")

	hf.Auth.Mode = config.AuthJWT
	t.Setenv(hf.Auth.JWTSecretEnv, strings.Repeat("s", 32))
	_, err = New(context.Background(), cfg, hf)
	require.Error(t, err, "no master seed and no key file")
}

func TestHub_ArchivesSealedSegments(t *testing.T) {
	cfg, hf := liteConfig(t)
	hf.Ledger.SegmentSize = 2
	hf.Ledger.Archive = archive.Config{Backend: archive.BackendFS}
	h, srv := startHub(t, cfg, hf)

	runJob(t, srv)
	require.NoError(t, h.Close())

	archived, err := filepath.Glob(filepath.Join(cfg.DataDir, "archive", "ltc", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}

func TestHub_RedisSpendTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, hf := liteConfig(t)
	cfg.RedisAddr = mr.Addr()
	hf.Spend.Default = 100

	h, srv := startHub(t, cfg, hf)
	defer h.Close()
	runJob(t, srv)

	assert.NotEmpty(t, mr.Keys())
}

func TestHub_RedisUnreachable(t *testing.T) {
	cfg, hf := liteConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"
	_, err := New(context.Background(), cfg, hf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestHub_JWTWithoutSecretRejects(t *testing.T) {
	cfg, hf := liteConfig(t)
	hf.Auth.Mode = config.AuthJWT
	h, srv := startHub(t, cfg, hf)
	defer h.Close()

	resp := request(t, srv, http.MethodPost, "/jobs", "acme", quboBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = request(t, srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_InvalidHubFile(t *testing.T) {
	cfg, hf := liteConfig(t)
	hf.Providers = nil
	_, err := New(context.Background(), cfg, hf)
	assert.Error(t, err)
}

func TestOpenAuditAndCheckpoint(t *testing.T) {
	cfg, hf := liteConfig(t)
	ctx := context.Background()

	_, err := OpenAudit(ctx, cfg, hf)
	require.Error(t, err, "no key before first start")

	h, srv := startHub(t, cfg, hf)
	jobID := runJob(t, srv)
	require.NoError(t, h.Close())

	a, err := OpenAudit(ctx, cfg, hf)
	require.NoError(t, err)
	head, err := a.Head(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	res, err := a.VerifyChain(ctx, 0, head.Sequence)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	var ops []string
	for e, err := range a.Search(ctx, ledger.Filter{JobID: jobID}) {
		require.NoError(t, err)
		assert.Equal(t, jobID, e.JobID)
		ops = append(ops, e.Operation)
	}
	require.GreaterOrEqual(t, len(ops), 5)
	assert.Equal(t, string(contracts.JobCompleted), ops[len(ops)-1])
	require.NoError(t, a.Close())

	cp, err := Checkpoint(ctx, cfg, hf)
	require.NoError(t, err)
	assert.Equal(t, head.Sequence+1, cp.Sequence)

	_, err = Checkpoint(ctx, cfg, hf)
	assert.ErrorIs(t, err, ledger.ErrNoNewEntries)

	a, err = OpenAudit(ctx, cfg, hf)
	require.NoError(t, err)
	defer a.Close()
	proof, err := a.Prove(ctx, 0)
	require.NoError(t, err)
	assert.NoError(t, ledger.VerifyProof(proof, a.KeyRing()))
}

func TestDoctor(t *testing.T) {
	cfg, hf := liteConfig(t)
	ctx := context.Background()

	checks, ok := Doctor(ctx, cfg, hf)
	assert.False(t, ok)
	failed := map[string]bool{}
	for _, c := range checks {
		if !c.OK {
			failed[c.Name] = true
		}
	}
	assert.Equal(t, map[string]bool{"ledger key": true}, failed)

	h, err := New(ctx, cfg, hf)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, ok = Doctor(ctx, cfg, hf)
	assert.True(t, ok)

	hf.Providers = append(hf.Providers, config.ProviderConfig{ID: "wasm-1", Type: config.AdapterWASM, Kinds: []string{"QUBO"}, ModuleDir: filepath.Join(cfg.DataDir, "missing")})
	checks, ok = Doctor(ctx, cfg, hf)
	assert.False(t, ok)
	var wasmCheck *Check
	for i := range checks {
		if checks[i].Name == "provider wasm-1" {
			wasmCheck = &checks[i]
		}
	}
	require.NotNil(t, wasmCheck)
	assert.False(t, wasmCheck.OK)
	assert.Contains(t, wasmCheck.Detail, "module dir")
}
