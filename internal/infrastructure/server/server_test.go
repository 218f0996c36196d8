package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
)

func testStatus() []ScriptStatus {
	return []ScriptStatus{
		{ID: "uuid-1", Name: "Counter", RunFlag: "run_a", Mode: "sandboxed", State: "completed", Menus: []string{"Reset"}},
		{ID: "uuid-2", Name: "Broken", RunFlag: "run_b", Mode: "bound", State: "failed", Error: "boom"},
	}
}

func newTestServer(t *testing.T) (*Server, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	cfg := config.Default().Metrics
	cfg.Addr = "127.0.0.1:0"
	return New(cfg, metrics, testStatus, nil), metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, metrics := newTestServer(t)
	metrics.RecordRetry()
	get(t, s.Handler(), "/healthz")

	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "gmsandbox_script_retries_total 1")
	assert.Contains(t, body, `gmsandbox_debug_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestScripts(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s.Handler(), "/scripts")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Scripts []ScriptStatus `json:"scripts"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, testStatus(), list.Scripts)

	w = get(t, s.Handler(), "/scripts/run_b")
	require.Equal(t, http.StatusOK, w.Code)
	var one ScriptStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "boom", one.Error)

	w = get(t, s.Handler(), "/scripts/uuid-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, s.Handler(), "/scripts/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmptyStatus(t *testing.T) {
	s := New(config.Default().Metrics, nil, nil, nil)
	w := get(t, s.Handler(), "/scripts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scripts": [], "count": 0}`, w.Body.String())
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}

func TestShutdownBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, "127.0.0.1:0", s.Addr())
}
