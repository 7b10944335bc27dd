package ops_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/ops"
)

func newTestServer(readiness map[string]ops.ReadinessCheck) *ops.Server {
	return ops.NewServer(ops.ServerConfig{
		Service:   "poller",
		Version:   "test",
		Registry:  prometheus.NewRegistry(),
		Logger:    zerolog.Nop(),
		Readiness: readiness,
	})
}

func doRequest(t *testing.T, s *ops.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestServer(nil), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "poller", body["service"])
}

func TestReady_AllChecksPass(t *testing.T) {
	s := newTestServer(map[string]ops.ReadinessCheck{
		"broker": func(context.Context) error { return nil },
	})

	rec := doRequest(t, s, "/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_FailingCheckReturns503(t *testing.T) {
	s := newTestServer(map[string]ops.ReadinessCheck{
		"broker":   func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("pool exhausted") },
	})

	rec := doRequest(t, s, "/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "pool exhausted", body.Failures["database"])
	assert.NotContains(t, body.Failures, "broker")
}

func TestMetrics_ExposesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tk_test_total",
		Help: "Test counter.",
	})
	registry.MustRegister(counter)
	counter.Inc()

	s := ops.NewServer(ops.ServerConfig{
		Service:  "consumer",
		Registry: registry,
		Logger:   zerolog.Nop(),
	})

	rec := doRequest(t, s, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tk_test_total 1"))
}
