package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	cperrors "github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/models/session"
	"github.com/cloudbrowser/controlplane/services/admissionqueue"
	"github.com/cloudbrowser/controlplane/services/realtime"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

// SessionHandler serves the /session and /session/rate-limit/status
// routes. Creation itself never touches the rate limiter - that check is
// deferred to C3's worker per section 4.3.
type SessionHandler struct {
	Sessions *sessionmanager.Manager
	Queue    *admissionqueue.Queue
	Realtime *realtime.Hub
}

func NewSessionHandler(sessions *sessionmanager.Manager, queue *admissionqueue.Queue, hub *realtime.Hub) *SessionHandler {
	return &SessionHandler{Sessions: sessions, Queue: queue, Realtime: hub}
}

type createSessionRequest struct {
	URL string `json:"url"`
}

// CreateSession enqueues the request and always replies with the
// resulting queue position; the create-session path itself never
// returns 429 (see the deferred-rate-limit design decision).
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) (any, int, error) {
	if h.Sessions.Paused() {
		return nil, http.StatusServiceUnavailable, cperrors.Paused()
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, cperrors.EmptyParamErr("url")
	}
	if req.URL == "" {
		return nil, http.StatusBadRequest, cperrors.EmptyParamErr("url")
	}

	if _, err := sessionmanager.NormalizeURL(req.URL); err != nil {
		return nil, http.StatusBadRequest, err
	}

	ip := clientIP(r)
	snap := h.Queue.Enqueue(req.URL, ip)
	return map[string]any{"queueId": snap.ID, "position": snap.Position}, http.StatusOK, nil
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) (any, int, error) {
	id := chi.URLParam(r, "id")
	snap := h.Sessions.GetSession(id)
	if snap == nil {
		return nil, http.StatusNotFound, cperrors.NotFound("session")
	}
	return snap, http.StatusOK, nil
}

func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) (any, int, error) {
	id := chi.URLParam(r, "id")
	if !h.Sessions.EndSession(id, session.ReasonUserEnded) {
		return nil, http.StatusNotFound, cperrors.NotFound("session")
	}
	h.Realtime.NotifySessionEnded(id, session.ReasonUserEnded)
	return map[string]any{"ended": true}, http.StatusOK, nil
}

func (h *SessionHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) (any, int, error) {
	status := h.Sessions.CheckRateLimit(clientIP(r))
	limit := h.Sessions.RateLimitPerDay()
	used := limit - status.Remaining
	if used < 0 {
		used = 0
	}
	return map[string]any{"used": used, "remaining": status.Remaining, "limit": limit}, http.StatusOK, nil
}

// clientIP prefers the RealIP middleware's rewrite of RemoteAddr over
// trusting a raw header directly.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
