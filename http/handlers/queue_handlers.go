package handlers

import (
	"net/http"

	"github.com/go-chi/chi"

	cperrors "github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/services/admissionqueue"
)

// QueueHandler serves the /queue/{id} routes.
type QueueHandler struct {
	Queue *admissionqueue.Queue
}

func NewQueueHandler(queue *admissionqueue.Queue) *QueueHandler {
	return &QueueHandler{Queue: queue}
}

func (h *QueueHandler) GetEntry(w http.ResponseWriter, r *http.Request) (any, int, error) {
	id := chi.URLParam(r, "id")
	snap := h.Queue.Get(id)
	if snap == nil {
		return nil, http.StatusNotFound, cperrors.NotFound("queue entry")
	}
	return snap, http.StatusOK, nil
}

func (h *QueueHandler) Leave(w http.ResponseWriter, r *http.Request) (any, int, error) {
	id := chi.URLParam(r, "id")
	h.Queue.Leave(id)
	return map[string]any{"removed": true}, http.StatusOK, nil
}
