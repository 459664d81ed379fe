package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/normalize"
	"github.com/Mindburn-Labs/qhub/pkg/orchestrator"
	"github.com/Mindburn-Labs/qhub/pkg/policy"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
	"github.com/Mindburn-Labs/qhub/pkg/provider/mock"
	"github.com/Mindburn-Labs/qhub/pkg/registry"
	"github.com/Mindburn-Labs/qhub/pkg/store"
)

const quboBody = `{"kind":"QUBO","payload":{"matrix":[[1,-1],[-1,1]],"constraints":[]},"client_id":"c1","data_classification":"PUBLIC"}`

type testHub struct {
	srv    *httptest.Server
	ledger *ledger.Ledger
	mock   *mock.Adapter
}

func newTestHub(t *testing.T, opts Options, adapter *mock.Adapter) *testHub {
	t.Helper()
	if adapter == nil {
		adapter = mock.New(contracts.ProviderDescriptor{
			ProviderID:     "mock-1",
			SupportedKinds: []contracts.ProblemKind{contracts.KindQUBO},
			CostModel:      contracts.CostModel{PerUnit: 0.5},
		})
	}
	reg := registry.New()
	require.NoError(t, reg.RegisterAdapter(adapter))

	signer, err := crypto.NewEd25519Signer("api-test")
	require.NoError(t, err)
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore(), signer)
	require.NoError(t, err)

	engine, err := policy.NewEngine(nil)
	require.NoError(t, err)
	o := orchestrator.New(orchestrator.Config{
		Workers:     2,
		MaxRetries:  3,
		PollBase:    time.Millisecond,
		PollMax:     2 * time.Millisecond,
		PollTimeout: 5 * time.Second,
		JobDeadline: 10 * time.Second,
	}, l, store.NewMemoryStore(), policy.NewGovernor(engine, nil, policy.Ceilings{}), reg)
	o.Start()

	norm, err := normalize.New()
	require.NoError(t, err)
	if opts.Auth == nil {
		opts.Auth = HeaderAuthenticator{Header: "X-Client-ID"}
	}
	srv := httptest.NewServer(NewServer(o, l, reg, norm, opts).Handler())
	t.Cleanup(func() {
		srv.Close()
		o.Stop()
		_ = l.Close()
	})
	return &testHub{srv: srv, ledger: l, mock: adapter}
}

func (h *testHub) do(t *testing.T, method, path, client, body string, headers ...string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if client != "" {
		req.Header.Set("X-Client-ID", client)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *testHub) submit(t *testing.T, body string) string {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/jobs", "c1", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[SubmitResponse](t, resp)
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func (h *testHub) awaitState(t *testing.T, jobID string, want contracts.JobState) contracts.ClientView {
	t.Helper()
	var last contracts.ClientView
	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/jobs/"+jobID, "c1", "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = decodeBody[contracts.ClientView](t, resp)
		return last.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestSubmitAndGetJob(t *testing.T) {
	h := newTestHub(t, Options{}, nil)
	id := h.submit(t, quboBody)

	view := h.awaitState(t, id, contracts.JobCompleted)
	assert.NotNil(t, view.Result)
	assert.Equal(t, "mock-1", view.Result.ProviderID)
	assert.Equal(t, 1, h.mock.Calls("submit"))
}

func TestSubmit_Errors(t *testing.T) {
	h := newTestHub(t, Options{MaxBodyBytes: 512}, nil)

	t.Run("validation", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/jobs", "c1", `{"kind":"TSP","payload":{"x":1},"client_id":"c1"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		p := decodeBody[ProblemDetail](t, resp)
		assert.Equal(t, "kind", p.Field)
		assert.Equal(t, "/jobs", p.Instance)
		assert.NotEmpty(t, p.TraceID)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/jobs", "c1", `{`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("body too large", func(t *testing.T) {
		big := `{"kind":"QUBO","payload":{"matrix":[[` + strings.Repeat("1,", 400) + `1]]},"client_id":"c1"}`
		resp := h.do(t, http.MethodPost, "/jobs", "c1", big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("foreign client id", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/jobs", "c2", quboBody)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("client id defaults to caller", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/jobs", "c3", `{"payload":{"matrix":[[1]]}}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/jobs", "", quboBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestGetJob_Ownership(t *testing.T) {
	h := newTestHub(t, Options{}, nil)
	id := h.submit(t, quboBody)
	h.awaitState(t, id, contracts.JobCompleted)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/jobs/"+id, "c2", "").StatusCode)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/jobs/"+id, "ops", "", "X-Client-Roles", RoleOperator).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/jobs/missing", "c1", "").StatusCode)
}

func TestCancelJob(t *testing.T) {
	adapter := mock.New(contracts.ProviderDescriptor{
		ProviderID:     "slow",
		SupportedKinds: []contracts.ProblemKind{contracts.KindQUBO},
	})
	adapter.Polls = []provider.PollResult{{Status: provider.StatusRunning}}
	h := newTestHub(t, Options{}, adapter)
	id := h.submit(t, quboBody)
	require.Eventually(t, func() bool { return adapter.Calls("poll") > 0 }, 5*time.Second, time.Millisecond)

	resp := h.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[contracts.ClientView](t, resp)
	assert.Equal(t, contracts.JobFailed, view.State)
	assert.Equal(t, contracts.ReasonCancelled, view.Reason)
	assert.Nil(t, view.Result)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "c1", "").StatusCode)
}

func readNDJSON(t *testing.T, resp *http.Response) []ledger.View {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var out []ledger.View
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var v ledger.View
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v))
		out = append(out, v)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLedgerEndpoints(t *testing.T) {
	h := newTestHub(t, Options{}, nil)
	id := h.submit(t, quboBody)
	h.awaitState(t, id, contracts.JobCompleted)
	sensitive := strings.Replace(quboBody, `"PUBLIC"`, `"SENSITIVE"`, 1)
	id2 := h.submit(t, sensitive)
	h.awaitState(t, id2, contracts.JobCompleted)

	t.Run("own entries", func(t *testing.T) {
		views := readNDJSON(t, h.do(t, http.MethodGet, "/ledger?job_id="+id, "c1", ""))
		require.Len(t, views, 5)
		ops := make([]string, len(views))
		for i, v := range views {
			ops[i] = v.Operation
			assert.False(t, v.Redacted)
		}
		assert.Equal(t, []string{"CREATED", "POLICY_CHECKED", "PROVIDER_SELECTED", "SUBMITTED", "COMPLETED"}, ops)
	})

	t.Run("sensitive entries redacted", func(t *testing.T) {
		views := readNDJSON(t, h.do(t, http.MethodGet, "/ledger?op=CREATED&job_id="+id2, "c1", ""))
		require.Len(t, views, 1)
		assert.True(t, views[0].Redacted)
		assert.Contains(t, string(views[0].Payload), ledger.RedactedMarker)
		assert.NotContains(t, string(views[0].Payload), "matrix")
	})

	t.Run("other clients need the auditor role", func(t *testing.T) {
		assert.Empty(t, readNDJSON(t, h.do(t, http.MethodGet, "/ledger", "c2", "")))
		assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/ledger?client_id=c1", "c2", "").StatusCode)
		views := readNDJSON(t, h.do(t, http.MethodGet, "/ledger?client_id=c1&limit=3", "aud", "", "X-Client-Roles", RoleAuditor))
		assert.Len(t, views, 3)
	})

	t.Run("bad filter", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/ledger?from=yesterday", "c1", "").StatusCode)
		assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/ledger?limit=-1", "c1", "").StatusCode)
	})

	t.Run("verify", func(t *testing.T) {
		res := decodeBody[ledger.VerifyResult](t, h.do(t, http.MethodGet, "/ledger/verify", "c1", ""))
		assert.True(t, res.Valid)
		assert.Nil(t, res.BrokenAt)
		assert.Equal(t, 10, res.Checked)

		res = decodeBody[ledger.VerifyResult](t, h.do(t, http.MethodGet, "/ledger/verify?from=2&to=4", "c1", ""))
		assert.True(t, res.Valid)
		assert.Equal(t, 3, res.Checked)

		assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/ledger/verify?from=4&to=2", "c1", "").StatusCode)
	})

	t.Run("checkpoint and proof", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, h.do(t, http.MethodGet, "/ledger/proof/1", "c1", "").StatusCode)
		assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/ledger/checkpoint", "c1", "").StatusCode)

		resp := h.do(t, http.MethodPost, "/ledger/checkpoint", "ops", "", "X-Client-Roles", RoleOperator)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		pr := decodeBody[ProofResponse](t, h.do(t, http.MethodGet, "/ledger/proof/1", "c1", ""))
		assert.True(t, pr.Verified)
		assert.Equal(t, uint64(1), pr.Proof.Sequence)
		require.NoError(t, ledger.VerifyProof(pr.Proof, h.ledger.KeyRing()))

		assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/ledger/proof/999", "c1", "").StatusCode)
		assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/ledger/proof/x", "c1", "").StatusCode)
	})
}

func TestProvidersAndHealth(t *testing.T) {
	h := newTestHub(t, Options{}, nil)

	resp := h.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])

	out := decodeBody[map[string][]contracts.ProviderDescriptor](t, h.do(t, http.MethodGet, "/providers", "c1", ""))
	require.Len(t, out["providers"], 1)
	assert.Equal(t, "mock-1", out["providers"][0].ProviderID)
}

func TestRateLimit(t *testing.T) {
	h := newTestHub(t, Options{RatePerSecond: 0.001, Burst: 1}, nil)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/providers", "c1", "").StatusCode)
	resp := h.do(t, http.MethodGet, "/providers", "c1", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per client.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/providers", "c2", "").StatusCode)
}

func TestJWTAuthentication(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	auth, err := NewJWTAuthenticator(secret, "qhub-test", "")
	require.NoError(t, err)
	h := newTestHub(t, Options{Auth: auth}, nil)

	sign := func(key []byte, claims Claims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return "Bearer " + tok
	}
	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-billing",
			Issuer:    "qhub-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "c1",
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", sign(secret, valid), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", sign([]byte("another-secret-another-secret-00"), valid), http.StatusUnauthorized},
		{"expired", sign(secret, expired), http.StatusUnauthorized},
		{"wrong issuer", sign(secret, wrongIssuer), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var headers []string
			if tc.header != "" {
				headers = []string{"Authorization", tc.header}
			}
			resp := h.do(t, http.MethodGet, "/providers", "", "", headers...)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	resp := h.do(t, http.MethodPost, "/jobs", "", quboBody, "Authorization", sign(secret, valid))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = NewJWTAuthenticator(nil, "", "")
	assert.Error(t, err)
}
