package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsOK(t *testing.T) {
	srv := NewServer("bridge", prometheus.NewRegistry(), nil)
	srv.SetCheck("router", "ok")
	srv.SetCheck("mongo", "ok")

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.Equal(t, "bridge", status.Service)
	assert.Equal(t, "ok", status.Checks["router"])
}

func TestHealthReports503WhenAnyCheckIsDown(t *testing.T) {
	srv := NewServer("bridge", prometheus.NewRegistry(), nil)
	srv.SetCheck("router", "ok")
	srv.SetCheck("lnd_watcher", "down")

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Healthy)
}

func TestHealthWithNoChecksIsHealthy(t *testing.T) {
	srv := NewServer("hive-monitor", prometheus.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetCheckOverwrites(t *testing.T) {
	srv := NewServer("bridge", prometheus.NewRegistry(), nil)
	srv.SetCheck("router", "down")
	srv.SetCheck("router", "ok")

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
