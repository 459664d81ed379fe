package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

func newBackend(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(contracts.ProviderDescriptor{ProviderID: "qpu-1"}, Config{BaseURL: srv.URL, Token: "tok", BreakerThreshold: 2, BreakerReset: time.Hour})
	require.NoError(t, err)
	return a
}

func TestRemote_Lifecycle(t *testing.T) {
	var polls atomic.Int32
	a := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			assert.Equal(t, "p1", r.Header.Get("Idempotency-Key"))
			var req submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, contracts.KindQUBO, req.Kind)
			_ = json.NewEncoder(w).Encode(submitResponse{ID: "remote-7"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/remote-7":
			if polls.Add(1) == 1 {
				eta := 3
				_ = json.NewEncoder(w).Encode(statusResponse{Status: "queued", ETASeconds: &eta})
				return
			}
			_ = json.NewEncoder(w).Encode(statusResponse{Status: "completed"})
		case r.URL.Path == "/jobs/remote-7/result":
			e := -1.5
			_ = json.NewEncoder(w).Encode(contracts.Result{Assignment: []int{1, 0}, Energy: &e, Usage: contracts.Usage{Units: 4}})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	h, err := a.Submit(ctx, &contracts.ProblemSpec{ID: "p1", Kind: contracts.KindQUBO, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "remote-7", h)

	st, err := a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, st.Status)
	require.NotNil(t, st.ETASeconds)
	assert.Equal(t, 3, *st.ETASeconds)

	st, err = a.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, st.Status)

	res, err := a.Fetch(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "qpu-1", res.ProviderID)
	assert.Equal(t, []int{1, 0}, res.Assignment)

	assert.NoError(t, a.Cancel(ctx, h))
}

func TestRemote_ErrorClassification(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusUnprocessableEntity)
	a := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(code.Load()))
	})
	spec := &contracts.ProblemSpec{ID: "p1"}

	_, err := a.Submit(context.Background(), spec)
	assert.True(t, provider.IsPermanent(err))

	code.Store(http.StatusServiceUnavailable)
	_, err = a.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.False(t, provider.IsPermanent(err))
	assert.Equal(t, "transient", provider.Classify(err))
}

func TestRemote_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	a := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	for i := 0; i < 2; i++ {
		_, err := a.Submit(context.Background(), &contracts.ProblemSpec{ID: "p"})
		require.Error(t, err)
	}
	_, err := a.Submit(context.Background(), &contracts.ProblemSpec{ID: "p"})
	require.ErrorIs(t, err, provider.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())

	status, _, err := a.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthDown, status)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(contracts.ProviderDescriptor{ProviderID: "x"}, Config{BaseURL: "::"})
	assert.Error(t, err)
}
