package handlers

import (
	"net/http"
	"time"

	"github.com/cloudbrowser/controlplane/services/admissionqueue"
	"github.com/cloudbrowser/controlplane/services/containerpool"
	"github.com/cloudbrowser/controlplane/services/metrics"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

// HealthHandler serves /health and /metrics.
type HealthHandler struct {
	Pool     *containerpool.Pool
	Sessions *sessionmanager.Manager
	Queue    *admissionqueue.Queue
	Registry *metrics.Registry
}

func NewHealthHandler(pool *containerpool.Pool, sessions *sessionmanager.Manager, queue *admissionqueue.Queue, registry *metrics.Registry) *HealthHandler {
	return &HealthHandler{Pool: pool, Sessions: sessions, Queue: queue, Registry: registry}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) (any, int, error) {
	stats := h.Sessions.StatsSnapshot()
	return map[string]any{
		"status":         "ok",
		"timestamp":      time.Now(),
		"pool":           h.Pool.Status(),
		"activeSessions": stats.ActiveSessions,
		"queueLength":    h.Queue.Length(),
	}, http.StatusOK, nil
}

// Metrics refreshes the live gauges from every subsystem's current
// snapshot, then renders the Prometheus text body directly (not via the
// ToHTTPHandlerFunc envelope, since the exposition format is plain text).
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.Sessions.StatsSnapshot()
	h.Registry.Set("active_sessions", float64(stats.ActiveSessions))
	h.Registry.Set("sessions_today", float64(stats.SessionsToday))
	h.Registry.Set("peak_concurrent", float64(stats.PeakConcurrent))
	h.Registry.Set("queue_length", float64(h.Queue.Length()))
	h.Registry.Set("pool_warm", float64(h.Pool.WarmCount()))

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.Registry.Render()))
}
