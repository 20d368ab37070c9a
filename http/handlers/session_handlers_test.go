package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbrowser/controlplane/services/admissionqueue"
	"github.com/cloudbrowser/controlplane/services/realtime"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

type fakeContainerPool struct {
	warm bool
}

func (f *fakeContainerPool) Acquire(sessionID string) (string, int, bool) {
	if !f.warm {
		return "", 0, false
	}
	return "container-1", 4001, true
}
func (f *fakeContainerPool) Release(containerID string)        {}
func (f *fakeContainerPool) LaunchApp(containerID, url string) {}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func newSessionHandler(warm bool) *SessionHandler {
	sessions := sessionmanager.New(&fakeContainerPool{warm: warm}, 300, 10)
	queue := admissionqueue.New(&fakePoolGateAdapter{sessions: sessions}, sessions)
	hub := realtime.New(sessions, queue)
	return NewSessionHandler(sessions, queue, hub)
}

// fakePoolGateAdapter always reports zero warm containers, so the
// admission queue never advances an entry in these handler tests.
type fakePoolGateAdapter struct {
	sessions *sessionmanager.Manager
}

func (f *fakePoolGateAdapter) WarmCount() int {
	return 0
}

func TestCreateSession_RejectsWhenPaused(t *testing.T) {
	h := newSessionHandler(true)
	h.Sessions.SetPaused(true)
	body, _ := json.Marshal(createSessionRequest{URL: "https://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(body))

	_, status, err := h.CreateSession(httptest.NewRecorder(), req)

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Error(t, err)
}

func TestCreateSession_RejectsEmptyURL(t *testing.T) {
	h := newSessionHandler(true)
	body, _ := json.Marshal(createSessionRequest{URL: ""})
	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(body))

	_, status, err := h.CreateSession(httptest.NewRecorder(), req)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
}

func TestCreateSession_EnqueuesAndReturnsPosition(t *testing.T) {
	h := newSessionHandler(true)
	body, _ := json.Marshal(createSessionRequest{URL: "https://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.1:5555"

	resp, status, err := h.CreateSession(httptest.NewRecorder(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	m := resp.(map[string]any)
	assert.NotEmpty(t, m["queueId"])
	assert.Equal(t, 1, m["position"])
}

func TestGetSession_NotFound(t *testing.T) {
	h := newSessionHandler(true)
	req := httptest.NewRequest(http.MethodGet, "/session/missing", nil)
	req = withURLParam(req, "id", "missing")

	_, status, err := h.GetSession(httptest.NewRecorder(), req)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)
}

func TestEndSession_NotFound(t *testing.T) {
	h := newSessionHandler(true)
	req := httptest.NewRequest(http.MethodDelete, "/session/missing", nil)
	req = withURLParam(req, "id", "missing")

	_, status, err := h.EndSession(httptest.NewRecorder(), req)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)
}

func TestEndSession_MarksSessionEnded(t *testing.T) {
	h := newSessionHandler(true)
	result := h.Sessions.CreateSession("https://example.com", "203.0.113.1")
	require.NotNil(t, result.Session)

	req := httptest.NewRequest(http.MethodDelete, "/session/"+result.Session.ID, nil)
	req = withURLParam(req, "id", result.Session.ID)

	resp, status, err := h.EndSession(httptest.NewRecorder(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp.(map[string]any)["ended"])
	ended := h.Sessions.GetSession(result.Session.ID)
	require.NotNil(t, ended)
	assert.Equal(t, "ended", ended.Status)
}

func TestRateLimitStatus_ReportsUsedAndRemaining(t *testing.T) {
	h := newSessionHandler(true)
	req := httptest.NewRequest(http.MethodGet, "/session/rate-limit/status", nil)
	req.RemoteAddr = "203.0.113.9:5555"

	resp, status, err := h.RateLimitStatus(httptest.NewRecorder(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	m := resp.(map[string]any)
	assert.Equal(t, 10, m["limit"])
	assert.Equal(t, 10, m["remaining"])
}

func TestClientIP_StripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:54321"

	assert.Equal(t, "203.0.113.1", clientIP(req))
}
