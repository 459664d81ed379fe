package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "qhub", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{ServiceVersion: "test"})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "op", AttrJobID.String("j1"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))
}

func TestMiddlewarePassesThrough(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	h := p.Middleware("/jobs/{id}", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestJobOperation(t *testing.T) {
	attrs := JobOperation("j1", "c1", "POLLING", "")
	assert.Len(t, attrs, 3)
	attrs = JobOperation("j1", "c1", "POLLING", "anneal")
	assert.Equal(t, "anneal", attrs[3].Value.AsString())
	assert.Len(t, PolicyOperation("QUBO", "PRE", "ALLOW"), 3)
}
