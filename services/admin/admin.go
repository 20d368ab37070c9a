// Package admin implements C5: runtime reconfiguration, IP policy,
// draining, and stats aggregation across C1-C4. Its only mutable state of
// its own is the bounded in-memory session history; every other write
// passes through to the subsystem that owns it, and every other read is
// a pure aggregation.
package admin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/models/container"
	"github.com/cloudbrowser/controlplane/models/queueentry"
	"github.com/cloudbrowser/controlplane/models/session"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

const historyCap = 500

// Pool is the subset of C1 admin needs.
type Pool interface {
	Status() []container.Snapshot
	SetPoolSize(n int)
	Restart()
}

// Sessions is the subset of C2 admin needs.
type Sessions interface {
	AllSessions() []session.Snapshot
	EndSession(id string, reason session.EndReason) bool
	SetPaused(bool)
	Paused() bool
	SetDuration(seconds int)
	CurrentDuration() int
	Block(ip string)
	Unblock(ip string)
	Whitelist(ip string)
	Unwhitelist(ip string)
	ClearLimit(ip string)
	StatsSnapshot() sessionmanager.Stats
	RateLimitStatsSnapshot() sessionmanager.RateLimitStats
}

// Queue is the subset of C3 admin needs.
type Queue interface {
	Entries() []queueentry.Snapshot
	Drain() int
}

// Realtime is the subset of C4 admin needs.
type Realtime interface {
	ReconnectingSessions() map[string]bool
	NotifySessionEnded(sessionID string, reason session.EndReason)
}

// Service is C5.
type Service struct {
	pool     Pool
	sessions Sessions
	queue    Queue
	realtime Realtime

	historyMu sync.Mutex
	history   []session.Snapshot // bounded ring of most recently ended/expired sessions
}

func New(pool Pool, sessions Sessions, queue Queue, rt Realtime) *Service {
	return &Service{pool: pool, sessions: sessions, queue: queue, realtime: rt}
}

// PoolSnapshot augments C1's container status with the derived
// "reconnecting" status: a container whose sessionId is currently in
// C4's reconnecting-sessions map is reported as reconnecting instead of
// active. Pure aggregation - no mutation.
func (s *Service) PoolSnapshot() []container.Snapshot {
	reconnecting := s.realtime.ReconnectingSessions()
	out := s.pool.Status()
	for i := range out {
		if out[i].Status == string(container.StatusActive) && reconnecting[out[i].SessionID] {
			out[i].Status = "reconnecting"
		}
	}
	return out
}

func (s *Service) SessionList() []session.Snapshot {
	return s.sessions.AllSessions()
}

func (s *Service) QueueList() []queueentry.Snapshot {
	return s.queue.Entries()
}

// Stats is the aggregated payload for the admin stats endpoint.
type Stats struct {
	ActiveSessions     int                  `json:"activeSessions"`
	QueueLength        int                  `json:"queueLength"`
	Pool               []container.Snapshot `json:"pool"`
	SessionsToday      int                  `json:"sessionsToday"`
	SessionsThisWeek   int                  `json:"sessionsThisWeek"`
	PeakConcurrent     int                  `json:"peakConcurrent"`
	AvgSessionDuration float64              `json:"avgSessionDurationSeconds"`
	CurrentDuration    int                  `json:"currentDuration"`
	PoolSize           int                  `json:"poolSize"`
	Paused             bool                 `json:"paused"`
}

func (s *Service) AggregatedStats() Stats {
	sessStats := s.sessions.StatsSnapshot()
	pool := s.PoolSnapshot()

	return Stats{
		ActiveSessions:     sessStats.ActiveSessions,
		QueueLength: len(lo.Filter(s.queue.Entries(), func(e queueentry.Snapshot, _ int) bool {
			return e.Status == string(queueentry.StatusWaiting)
		})),
		Pool:               pool,
		SessionsToday:      sessStats.SessionsToday,
		SessionsThisWeek:   s.sessionsThisWeek(),
		PeakConcurrent:     sessStats.PeakConcurrent,
		AvgSessionDuration: sessStats.AvgSessionDuration.Seconds(),
		CurrentDuration:    sessStats.CurrentDuration,
		PoolSize:           len(pool),
		Paused:             sessStats.Paused,
	}
}

// sessionsThisWeek counts history entries started within the trailing 7
// days. The core has no persistent store, so this is necessarily bounded
// by the in-memory history ring, not a true historical count across
// restarts.
func (s *Service) sessionsThisWeek() int {
	cutoff := time.Now().AddDate(0, 0, -7)
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return len(lo.Filter(s.history, func(snap session.Snapshot, _ int) bool {
		return snap.StartedAt.After(cutoff)
	}))
}

// RecordEnded appends a just-ended/expired session to the bounded
// history ring, evicting the oldest entry past historyCap. cmd/server
// registers it as C2's OnSessionEnded callback, so C2 invokes it as a
// plain func without importing this package.
func (s *Service) RecordEnded(snap session.Snapshot) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, snap)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// HistoryQuery is decoded from admin history list query parameters via
// gorilla/schema.
type HistoryQuery struct {
	Page     int    `schema:"page"`
	PageSize int    `schema:"pageSize"`
	Query    string `schema:"q"`
}

// HistoryPage is a paginated, optionally URL/IP-filtered slice of the
// bounded in-memory session history.
type HistoryPage struct {
	Sessions []session.Snapshot `json:"sessions"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

func (s *Service) History(q HistoryQuery) HistoryPage {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 || q.PageSize > 200 {
		q.PageSize = 50
	}

	s.historyMu.Lock()
	all := append([]session.Snapshot(nil), s.history...)
	s.historyMu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if q.Query != "" {
		all = lo.Filter(all, func(snap session.Snapshot, _ int) bool {
			return containsFold(snap.URL, q.Query) || containsFold(snap.AnonIP, q.Query)
		})
	}

	total := len(all)
	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	return HistoryPage{Sessions: all[start:end], Total: total, Page: q.Page, PageSize: q.PageSize}
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(nl) == 0 {
		return 0
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func (s *Service) RateLimitStats() sessionmanager.RateLimitStats {
	return s.sessions.RateLimitStatsSnapshot()
}

func (s *Service) BlockIP(ip string)       { s.sessions.Block(ip) }
func (s *Service) UnblockIP(ip string)     { s.sessions.Unblock(ip) }
func (s *Service) WhitelistIP(ip string)   { s.sessions.Whitelist(ip) }
func (s *Service) UnwhitelistIP(ip string) { s.sessions.Unwhitelist(ip) }
func (s *Service) ClearLimit(ip string)    { s.sessions.ClearLimit(ip) }

// KillSession ends a session with reason admin_killed and notifies its
// bound realtime clients.
func (s *Service) KillSession(id string) bool {
	ok := s.sessions.EndSession(id, session.ReasonAdminKilled)
	if ok {
		s.realtime.NotifySessionEnded(id, session.ReasonAdminKilled)
	}
	return ok
}

func (s *Service) Pause()  { s.sessions.SetPaused(true) }
func (s *Service) Resume() { s.sessions.SetPaused(false) }

func (s *Service) DrainQueue() int { return s.queue.Drain() }

func (s *Service) RestartPool() { s.pool.Restart() }

// SetPoolSize rejects values outside [1, 20] with an InputRejected error.
func (s *Service) SetPoolSize(n int) error {
	if n < 1 || n > 20 {
		return errors.InputRejected(fmt.Sprintf("poolSize must be between 1 and 20, got %d", n))
	}
	s.pool.SetPoolSize(n)
	return nil
}

// SetDuration rejects values outside [60, 1800] with an InputRejected error.
func (s *Service) SetDuration(seconds int) error {
	if seconds < 60 || seconds > 1800 {
		return errors.InputRejected(fmt.Sprintf("duration must be between 60 and 1800 seconds, got %d", seconds))
	}
	s.sessions.SetDuration(seconds)
	return nil
}
