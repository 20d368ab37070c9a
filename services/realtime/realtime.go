// Package realtime implements C4: the websocket channel that delivers
// queue progress, session timers, takeover and end-of-session events,
// and tracks which client currently owns primary control of a session.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/models/clientbinding"
	"github.com/cloudbrowser/controlplane/models/queueentry"
	"github.com/cloudbrowser/controlplane/models/session"
	"github.com/cloudbrowser/controlplane/services/admissionqueue"
)

const (
	timerInterval     = 1 * time.Second
	warnThresholdSecs = 30
	abandonGrace      = 35 * time.Second
)

// Sessions is the subset of C2 the realtime channel depends on. The hub
// never mutates session state itself - it only observes it on the
// timer tick and calls EndSession for abandonment.
type Sessions interface {
	GetSession(id string) *session.Snapshot
	EndSession(id string, reason session.EndReason) bool
}

// Queue is the subset of C3 the realtime channel depends on, to forward
// queue progress to a joined client as queue:status/queue:ready events.
// The realtime channel is the sole websocket transport, so it carries
// both session and queue messages even though queue ordering itself
// stays entirely owned by C3.
type Queue interface {
	Get(id string) *queueentry.Snapshot
	Subscribe(id string, cb admissionqueue.Callback)
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to one connection
}

func (c *client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Debug("realtime: write failed, client likely gone", zap.String("clientId", c.id))
	}
}

type sessionState struct {
	clients      map[string]*client
	bindings     map[string]*clientbinding.Binding // clientId -> role binding
	primary      string                            // clientId, "" if none
	warnedAt30   bool
	abandonTimer *time.Timer
}

func (st *sessionState) viewerCount() int {
	n := 0
	for _, b := range st.bindings {
		if b.Role == clientbinding.RoleViewer {
			n++
		}
	}
	return n
}

// Hub is C4. Client/session projections (clients, viewers, primary per
// session) are all under one mutex; the timer broadcast snapshots under
// the lock then emits without holding it.
type Hub struct {
	sessions Sessions
	queue    Queue
	upgrader websocket.Upgrader

	mu          sync.Mutex
	byID        map[string]*sessionState // sessionId -> state
	conns       map[string]*client       // clientId -> connection
	queueJoins  map[string]string        // queueId -> clientId of its current subscriber

	done chan struct{}
}

func New(sessions Sessions, queue Queue) *Hub {
	return &Hub{
		sessions: sessions,
		queue:    queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		byID:       make(map[string]*sessionState),
		conns:      make(map[string]*client),
		queueJoins: make(map[string]string),
		done:       make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("realtime: upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.readLoop(c)
}

type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	QueueID   string `json:"queueId"`
	Viewer    bool   `json:"viewer"`
}

func (h *Hub) readLoop(c *client) {
	defer h.disconnect(c)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "session:join", "session:reconnect":
			h.join(c, msg.SessionID, msg.Viewer)
		case "queue:join":
			h.joinQueue(c, msg.QueueID)
		}
	}
}

// joinQueue replies queue:joined with the entry's current status, then
// subscribes the client to every subsequent transition as queue:status
// (or queue:ready once the entry reaches ready).
func (h *Hub) joinQueue(c *client, queueID string) {
	snap := h.queue.Get(queueID)
	if snap == nil {
		c.send(map[string]any{"type": "queue:invalid", "queueId": queueID})
		return
	}

	h.mu.Lock()
	h.queueJoins[queueID] = c.id
	h.mu.Unlock()

	initial := queueEventPayload(*snap)
	if initial["type"] == "queue:status" {
		initial["type"] = "queue:joined"
	}
	c.send(initial)

	h.queue.Subscribe(queueID, func(snap queueentry.Snapshot) {
		h.mu.Lock()
		subscriberID, ok := h.queueJoins[snap.ID]
		recipient := h.conns[subscriberID]
		h.mu.Unlock()
		if !ok || recipient == nil {
			return
		}
		recipient.send(queueEventPayload(snap))
	})
}

// queueEventPayload names the outbound event after the entry's status:
// queue:ready on completion, queue:error when rate limited, queue:status
// for every other status. joinQueue renames the first reply to
// queue:joined.
func queueEventPayload(snap queueentry.Snapshot) map[string]any {
	base := map[string]any{
		"status":               snap.Status,
		"position":             snap.Position,
		"totalInQueue":         snap.TotalInQueue,
		"estimatedWaitSeconds": snap.EstimatedWaitSeconds,
	}
	switch queueentry.Status(snap.Status) {
	case queueentry.StatusReady:
		base["type"] = "queue:ready"
		base["sessionId"] = snap.SessionID
		base["port"] = snap.Port
	case queueentry.StatusRateLimited:
		base["type"] = "queue:error"
		base["error"] = "rate limited"
	default:
		base["type"] = "queue:status"
	}
	return base
}

// join implements the join semantics: not-active sessions get
// session:error; viewers are added to the viewer set; controllers demote
// any existing primary with session:takeover before promotion.
func (h *Hub) join(c *client, sessionID string, viewer bool) {
	snap := h.sessions.GetSession(sessionID)
	if snap == nil || snap.Status != string(session.StatusActive) {
		c.send(map[string]any{"type": "session:error", "error": "session is not active"})
		return
	}

	h.mu.Lock()
	st, ok := h.byID[sessionID]
	if !ok {
		st = &sessionState{clients: make(map[string]*client), bindings: make(map[string]*clientbinding.Binding)}
		h.byID[sessionID] = st
	}
	h.cancelAbandonLocked(st)
	st.clients[c.id] = c

	if viewer {
		st.bindings[c.id] = &clientbinding.Binding{ClientID: c.id, SessionID: sessionID, Role: clientbinding.RoleViewer}
		count := st.viewerCount()
		primary := h.lookupLocked(st.primary)
		h.mu.Unlock()

		c.send(map[string]any{
			"type":          "session:joined",
			"port":          snap.Port,
			"timeRemaining": snap.TimeRemaining,
			"isViewer":      true,
		})
		if primary != nil {
			primary.send(map[string]any{"type": "session:viewer-count", "count": count})
		}
		return
	}

	prevPrimary := h.lookupLocked(st.primary)
	demoted := st.primary != "" && st.primary != c.id
	if demoted {
		delete(st.bindings, st.primary)
	}
	st.primary = c.id
	st.bindings[c.id] = &clientbinding.Binding{ClientID: c.id, SessionID: sessionID, Role: clientbinding.RolePrimary}
	viewerCount := st.viewerCount()
	h.mu.Unlock()

	if demoted && prevPrimary != nil {
		prevPrimary.send(map[string]any{"type": "session:takeover"})
	}
	c.send(map[string]any{
		"type":          "session:joined",
		"port":          snap.Port,
		"timeRemaining": snap.TimeRemaining,
		"isPrimary":     true,
		"viewerCount":   viewerCount,
	})
}

// lookupLocked returns the client for clientID, or nil. Caller must hold
// mu.
func (h *Hub) lookupLocked(clientID string) *client {
	if clientID == "" {
		return nil
	}
	return h.conns[clientID]
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for queueID, clientID := range h.queueJoins {
		if clientID == c.id {
			delete(h.queueJoins, queueID)
		}
	}
	var emptiedSessions []string
	for sessionID, st := range h.byID {
		if _, ok := st.clients[c.id]; !ok {
			continue
		}
		delete(st.clients, c.id)
		delete(st.bindings, c.id)
		if st.primary == c.id {
			st.primary = ""
		}
		if len(st.clients) == 0 {
			emptiedSessions = append(emptiedSessions, sessionID)
		}
	}
	h.mu.Unlock()

	for _, sessionID := range emptiedSessions {
		h.startAbandonTimer(sessionID)
	}
}

// startAbandonTimer arms the ~35s abandonment grace timer for a session
// that just lost its last client. Any join before expiry cancels it via
// cancelAbandonLocked.
func (h *Hub) startAbandonTimer(sessionID string) {
	h.mu.Lock()
	st, ok := h.byID[sessionID]
	if !ok || len(st.clients) != 0 {
		h.mu.Unlock()
		return
	}
	if st.abandonTimer != nil {
		st.abandonTimer.Stop()
	}
	st.abandonTimer = time.AfterFunc(abandonGrace, func() { h.abandon(sessionID) })
	h.mu.Unlock()
}

func (h *Hub) cancelAbandonLocked(st *sessionState) {
	if st.abandonTimer != nil {
		st.abandonTimer.Stop()
		st.abandonTimer = nil
	}
}

func (h *Hub) abandon(sessionID string) {
	h.mu.Lock()
	st, ok := h.byID[sessionID]
	stillEmpty := ok && len(st.clients) == 0
	h.mu.Unlock()

	if !stillEmpty {
		return
	}
	h.sessions.EndSession(sessionID, session.ReasonAbandoned)
}

// StartTimerBroadcast launches the 1s per-session timer tick.
func (h *Hub) StartTimerBroadcast() {
	go func() {
		ticker := time.NewTicker(timerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.tick()
			}
		}
	}()
}

func (h *Hub) StopTimerBroadcast() {
	close(h.done)
}

// tick snapshots tracked sessions under the lock, then emits without
// holding it - emission errors must not abort the sweep.
func (h *Hub) tick() {
	h.mu.Lock()
	sessionIDs := make([]string, 0, len(h.byID))
	for id := range h.byID {
		sessionIDs = append(sessionIDs, id)
	}
	h.mu.Unlock()

	for _, id := range sessionIDs {
		h.tickOne(id)
	}
}

func (h *Hub) tickOne(sessionID string) {
	snap := h.sessions.GetSession(sessionID)

	h.mu.Lock()
	st, ok := h.byID[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	recipients := make([]*client, 0, len(st.clients))
	for _, c := range st.clients {
		recipients = append(recipients, c)
	}

	if snap == nil || snap.Status != string(session.StatusActive) {
		delete(h.byID, sessionID)
		h.mu.Unlock()
		for _, c := range recipients {
			c.send(map[string]any{"type": "session:ended", "reason": "expired"})
		}
		return
	}

	warn := snap.TimeRemaining == warnThresholdSecs && !st.warnedAt30
	if warn {
		st.warnedAt30 = true
	}
	h.mu.Unlock()

	for _, c := range recipients {
		c.send(map[string]any{"type": "session:timer", "timeRemaining": snap.TimeRemaining})
		if warn {
			c.send(map[string]any{"type": "session:warning", "secondsLeft": warnThresholdSecs})
		}
	}
}

// NotifySessionEnded emits session:ended{reason} to every client bound
// to id and drops the session's bindings. Used by admin kill and
// user-initiated end.
func (h *Hub) NotifySessionEnded(sessionID string, reason session.EndReason) {
	h.mu.Lock()
	st, ok := h.byID[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	recipients := make([]*client, 0, len(st.clients))
	for _, c := range st.clients {
		recipients = append(recipients, c)
	}
	delete(h.byID, sessionID)
	h.mu.Unlock()

	for _, c := range recipients {
		c.send(map[string]any{"type": "session:ended", "reason": string(reason)})
	}
}

// ReconnectingSessions returns the set of session ids that currently
// have zero connected clients but an armed abandonment timer - i.e.
// sessions C5's admin surface should report as "reconnecting" rather
// than "active" on their bound container.
func (h *Hub) ReconnectingSessions() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool)
	for id, st := range h.byID {
		if len(st.clients) == 0 && st.abandonTimer != nil {
			out[id] = true
		}
	}
	return out
}

// Shutdown closes every live connection, used by the process-wide
// shutdown coordinator.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}
