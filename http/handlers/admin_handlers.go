package handlers

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/gorilla/schema"

	cperrors "github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/services/admin"
)

var schemaDecoder = schema.NewDecoder()

// AdminHandler serves every /admin/* route. All state mutation passes
// through to the subsystem that owns it - this handler decodes requests
// and formats responses only.
type AdminHandler struct {
	Admin *admin.Service
}

func NewAdminHandler(a *admin.Service) *AdminHandler {
	return &AdminHandler{Admin: a}
}

func (h *AdminHandler) Pool(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Admin.PoolSnapshot(), http.StatusOK, nil
}

func (h *AdminHandler) Sessions(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Admin.SessionList(), http.StatusOK, nil
}

func (h *AdminHandler) Queue(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Admin.QueueList(), http.StatusOK, nil
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Admin.AggregatedStats(), http.StatusOK, nil
}

func (h *AdminHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return h.Admin.RateLimitStats(), http.StatusOK, nil
}

func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) (any, int, error) {
	var q admin.HistoryQuery
	if err := r.ParseForm(); err != nil {
		return nil, http.StatusBadRequest, cperrors.InputRejected("invalid query parameters")
	}
	if err := schemaDecoder.Decode(&q, r.Form); err != nil {
		return nil, http.StatusBadRequest, cperrors.InputRejected("invalid query parameters")
	}
	return h.Admin.History(q), http.StatusOK, nil
}

func (h *AdminHandler) KillSession(w http.ResponseWriter, r *http.Request) (any, int, error) {
	id := chi.URLParam(r, "id")
	if !h.Admin.KillSession(id) {
		return nil, http.StatusNotFound, cperrors.NotFound("session")
	}
	return map[string]any{"killed": true}, http.StatusOK, nil
}

func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.BlockIP(chi.URLParam(r, "ip"))
	return map[string]any{"blocked": true}, http.StatusOK, nil
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.UnblockIP(chi.URLParam(r, "ip"))
	return map[string]any{"unblocked": true}, http.StatusOK, nil
}

func (h *AdminHandler) WhitelistIP(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.WhitelistIP(chi.URLParam(r, "ip"))
	return map[string]any{"whitelisted": true}, http.StatusOK, nil
}

func (h *AdminHandler) UnwhitelistIP(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.UnwhitelistIP(chi.URLParam(r, "ip"))
	return map[string]any{"unwhitelisted": true}, http.StatusOK, nil
}

func (h *AdminHandler) ClearLimit(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.ClearLimit(chi.URLParam(r, "ip"))
	return map[string]any{"cleared": true}, http.StatusOK, nil
}

func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.Pause()
	return map[string]any{"paused": true}, http.StatusOK, nil
}

func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.Resume()
	return map[string]any{"paused": false}, http.StatusOK, nil
}

func (h *AdminHandler) DrainQueue(w http.ResponseWriter, r *http.Request) (any, int, error) {
	return map[string]any{"drained": h.Admin.DrainQueue()}, http.StatusOK, nil
}

func (h *AdminHandler) RestartPool(w http.ResponseWriter, r *http.Request) (any, int, error) {
	h.Admin.RestartPool()
	return map[string]any{"restarted": true}, http.StatusOK, nil
}

type configRequest struct {
	PoolSize *int `json:"poolSize"`
	Duration *int `json:"duration"`
}

// SetConfig applies whichever of poolSize/duration is present; an
// out-of-range value is rejected by admin.Service and answered with 400.
func (h *AdminHandler) SetConfig(w http.ResponseWriter, r *http.Request) (any, int, error) {
	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, http.StatusBadRequest, cperrors.InputRejected("invalid request body")
	}
	if req.PoolSize != nil {
		if err := h.Admin.SetPoolSize(*req.PoolSize); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}
	if req.Duration != nil {
		if err := h.Admin.SetDuration(*req.Duration); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}
	return map[string]any{"updated": true}, http.StatusOK, nil
}
