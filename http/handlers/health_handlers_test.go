package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbrowser/controlplane/config"
	"github.com/cloudbrowser/controlplane/services/admissionqueue"
	"github.com/cloudbrowser/controlplane/services/containerpool"
	"github.com/cloudbrowser/controlplane/services/metrics"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

func newHealthHandler(t *testing.T) *HealthHandler {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	pool := containerpool.New(cfg, nil)
	sessions := sessionmanager.New(&fakeContainerPool{warm: false}, 300, 10)
	queue := admissionqueue.New(&fakePoolGateAdapter{}, sessions)
	registry := metrics.NewRegistry()
	return NewHealthHandler(pool, sessions, queue, registry)
}

func TestHealth_ReportsOK(t *testing.T) {
	h := newHealthHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	resp, status, err := h.Health(httptest.NewRecorder(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	m := resp.(map[string]any)
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, 0, m["activeSessions"])
}

func TestMetrics_RendersPrometheusText(t *testing.T) {
	h := newHealthHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.Metrics(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "text/plain"))
	assert.True(t, strings.Contains(rec.Body.String(), "cloud_browser_active_sessions"))
}
