// Package sessionmanager implements C2: session lifecycle, per-IP rate
// limiting and policy, URL normalization, expiry, and duration stats.
package sessionmanager

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	cperrors "github.com/cloudbrowser/controlplane/errors"
	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/models/session"
)

const (
	expiryInterval    = 5 * time.Second
	rollingWindowCap  = 20
	searchURLTemplate = "https://duckduckgo.com/?q=%s"
)

var blockedSchemes = map[string]bool{
	"file":       true,
	"javascript": true,
	"data":       true,
	"chrome":     true,
	"about":      true,
}

// ContainerAcquirer is the subset of C1 that C2 depends on, satisfied by
// *containerpool.Pool. Declared here (the consumer side) rather than in
// containerpool, so C2 depends on a narrow interface, not the concrete
// pool type.
type ContainerAcquirer interface {
	Acquire(sessionID string) (containerID string, port int, ok bool)
	Release(containerID string)
	LaunchApp(containerID, url string)
}

// CreateResult is the tagged-union return of CreateSession: exactly one
// of Session/Queued/Err is meaningful.
type CreateResult struct {
	Session *session.Snapshot
	Queued  bool
	Err     error
}

// RateLimitStatus answers checkRateLimit for a single IP.
type RateLimitStatus struct {
	Allowed   bool
	Remaining int
	Blocked   bool
}

type policy struct {
	blocked      map[string]bool
	whitelist    map[string]bool
	ipCountToday map[string]int
	lastReset    string // calendar date (YYYY-MM-DD) ipCountToday was last reset for
	paused       bool
	currentDuration int

	sessionsToday  int
	peakConcurrent int
	durations      []time.Duration // rolling window, oldest evicted at cap
}

// Manager is C2. sessions, the policy sets, and the counters are all
// serialized by a single mutex, matching the concurrency model.
type Manager struct {
	pool    ContainerAcquirer
	rateLimitPerDay int

	mu       sync.Mutex
	sessions map[string]*session.Session
	policy   policy

	onEndMu sync.RWMutex
	onEnd   func(session.Snapshot)

	done chan struct{}
}

// New constructs a Manager. defaultDuration and rateLimitPerDay come
// from configuration (SESSION_DURATION, RATE_LIMIT_PER_DAY). The duration
// is runtime-mutable afterward via SetDuration; the per-IP daily cap is
// fixed for the Manager's lifetime (the admin rate-limit actions change
// the block/whitelist sets and per-IP counters, not the cap).
func New(pool ContainerAcquirer, defaultDuration, rateLimitPerDay int) *Manager {
	return &Manager{
		pool:            pool,
		rateLimitPerDay: rateLimitPerDay,
		sessions:        make(map[string]*session.Session),
		policy: policy{
			blocked:         make(map[string]bool),
			whitelist:       make(map[string]bool),
			ipCountToday:    make(map[string]int),
			lastReset:       today(),
			currentDuration: defaultDuration,
		},
		done: make(chan struct{}),
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// OnSessionEnded registers a callback invoked with a snapshot of every
// session that ends or expires, after C2's own bookkeeping is done. C5
// uses this to feed RecordEnded without C2 importing the admin package.
func (m *Manager) OnSessionEnded(fn func(session.Snapshot)) {
	m.onEndMu.Lock()
	defer m.onEndMu.Unlock()
	m.onEnd = fn
}

// StartExpiryLoop launches the 5s expiry loop. Stop via StopExpiryLoop.
func (m *Manager) StartExpiryLoop() {
	go func() {
		ticker := time.NewTicker(expiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.expireDue()
			}
		}
	}()
}

func (m *Manager) StopExpiryLoop() {
	close(m.done)
}

func (m *Manager) expireDue() {
	now := time.Now()
	m.mu.Lock()
	var due []string
	for id, s := range m.sessions {
		if s.Status == session.StatusActive && !now.Before(s.ExpiresAt) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		m.EndSession(id, session.ReasonExpired)
	}
}

// maybeResetDailyLocked resets the per-IP daily counters, sessionsToday and
// peakConcurrent the first time it's called after the local calendar
// date changes. Caller must hold mu.
func (m *Manager) maybeResetDailyLocked() {
	d := today()
	if d == m.policy.lastReset {
		return
	}
	m.policy.lastReset = d
	m.policy.ipCountToday = make(map[string]int)
	m.policy.sessionsToday = 0
	m.policy.peakConcurrent = 0
}

// CheckRateLimit reports whether ip may start another session right now,
// without consuming a slot.
func (m *Manager) CheckRateLimit(ip string) RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDailyLocked()

	if m.policy.blocked[ip] {
		return RateLimitStatus{Allowed: false, Blocked: true}
	}
	if m.policy.whitelist[ip] {
		return RateLimitStatus{Allowed: true, Remaining: -1}
	}

	used := m.policy.ipCountToday[ip]
	remaining := m.rateLimitPerDay - used
	return RateLimitStatus{Allowed: remaining > 0, Remaining: remaining}
}

// RateLimitPerDay returns the configured per-IP daily cap.
func (m *Manager) RateLimitPerDay() int {
	return m.rateLimitPerDay
}

// NormalizeURL applies the scheme-blocklist and bare-domain/search-query
// rewriting rules from the URL normalization section.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", cperrors.EmptyParamErr("url")
	}

	caser := cases.Fold()
	if idx := strings.Index(raw, ":"); idx > 0 {
		scheme := caser.String(raw[:idx])
		if blockedSchemes[scheme] {
			return "", cperrors.InputRejected(fmt.Sprintf("blocked protocol: %s:", scheme))
		}
	}

	lower := caser.String(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if _, err := url.Parse(raw); err != nil {
			return "", cperrors.InputRejected("malformed url")
		}
		return raw, nil
	}

	if strings.Contains(raw, ".") && !strings.ContainsAny(raw, " \t\n") {
		return "https://" + raw, nil
	}

	return fmt.Sprintf(searchURLTemplate, url.QueryEscape(raw)), nil
}

// AnonymizeIP masks the last IPv4 octet or the last IPv6 hextet.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.*", v4[0], v4[1], v4[2])
	}
	s := parsed.String()
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		return s[:idx+1] + "*"
	}
	return s
}

// CreateSession generates a session id, acquires a container, and on
// success starts the session; on no warm capacity it reports Queued.
// The rate-limit check itself is NOT performed here - spec's deferred
// variant checks it in the admission queue worker immediately before
// this call, so by the time CreateSession runs the caller has already
// decided admission is allowed.
func (m *Manager) CreateSession(rawURL, ip string) CreateResult {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return CreateResult{Err: err}
	}

	id := uuid.NewString()
	containerID, port, ok := m.pool.Acquire(id)
	if !ok {
		return CreateResult{Queued: true}
	}

	m.mu.Lock()
	m.maybeResetDailyLocked()

	now := time.Now()
	s := &session.Session{
		ID:           id,
		ContainerRef: containerID,
		Port:         port,
		URL:          normalized,
		AnonIP:       AnonymizeIP(ip),
		StartedAt:    now,
		ExpiresAt:    now.Add(time.Duration(m.policy.currentDuration) * time.Second),
		Status:       session.StatusActive,
	}
	m.sessions[id] = s

	m.policy.ipCountToday[ip]++
	m.policy.sessionsToday++
	active := m.countActiveLocked()
	if active > m.policy.peakConcurrent {
		m.policy.peakConcurrent = active
	}
	snap := s.ToSnapshot(now)
	m.mu.Unlock()

	m.pool.LaunchApp(containerID, normalized)
	logger.Info("session started", zap.String("sessionId", id), zap.String("anonIp", s.AnonIP))

	return CreateResult{Session: &snap}
}

func (m *Manager) countActiveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.Status == session.StatusActive {
			n++
		}
	}
	return n
}

// GetSession returns a read-only snapshot, or nil if unknown.
func (m *Manager) GetSession(id string) *session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	snap := s.ToSnapshot(time.Now())
	return &snap
}

// TimeRemaining returns seconds until expiry, or -1 if the session is
// unknown.
func (m *Manager) TimeRemaining(id string) int {
	snap := m.GetSession(id)
	if snap == nil {
		return -1
	}
	return snap.TimeRemaining
}

// EndSession is idempotent: ending an already-ended/expired/unknown
// session returns false and changes nothing.
func (m *Manager) EndSession(id string, reason session.EndReason) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != session.StatusActive {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	actual := now.Sub(s.StartedAt)
	s.Status = statusForReason(reason)
	s.EndReason = reason

	m.policy.durations = append(m.policy.durations, actual)
	if len(m.policy.durations) > rollingWindowCap {
		m.policy.durations = m.policy.durations[len(m.policy.durations)-rollingWindowCap:]
	}
	containerRef := s.ContainerRef
	snap := s.ToSnapshot(now)
	m.mu.Unlock()

	logger.Info("session ended", zap.String("sessionId", id), zap.String("reason", string(reason)))
	m.pool.Release(containerRef)

	m.onEndMu.RLock()
	onEnd := m.onEnd
	m.onEndMu.RUnlock()
	if onEnd != nil {
		onEnd(snap)
	}
	return true
}

func statusForReason(reason session.EndReason) session.Status {
	if reason == session.ReasonExpired {
		return session.StatusExpired
	}
	return session.StatusEnded
}

// AvgSessionDuration is the mean of the rolling window, or
// currentDuration if no session has completed yet (never divides by
// zero).
func (m *Manager) AvgSessionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.policy.durations) == 0 {
		return time.Duration(m.policy.currentDuration) * time.Second
	}
	var total time.Duration
	for _, d := range m.policy.durations {
		total += d
	}
	return total / time.Duration(len(m.policy.durations))
}

// --- Admin-facing policy mutation (C5 passes these through) ---

func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.paused = paused
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.paused
}

// SetDuration changes currentDuration for sessions started from now on;
// it does not affect sessions already active. It stores seconds as
// given; admin.Service rejects values outside [60, 1800] before calling it.
func (m *Manager) SetDuration(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.currentDuration = seconds
}

func (m *Manager) CurrentDuration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.currentDuration
}

func (m *Manager) Block(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.blocked[ip] = true
}

func (m *Manager) Unblock(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policy.blocked, ip)
}

func (m *Manager) Whitelist(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.whitelist[ip] = true
}

func (m *Manager) Unwhitelist(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policy.whitelist, ip)
}

func (m *Manager) ClearLimit(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policy.ipCountToday, ip)
}

// Stats is the aggregated policy/session data C5 folds into admin stats.
type Stats struct {
	ActiveSessions     int
	SessionsToday      int
	PeakConcurrent     int
	AvgSessionDuration time.Duration
	CurrentDuration    int
	Paused             bool
}

func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	active := m.countActiveLocked()
	st := Stats{
		ActiveSessions:  active,
		SessionsToday:   m.policy.sessionsToday,
		PeakConcurrent:  m.policy.peakConcurrent,
		CurrentDuration: m.policy.currentDuration,
		Paused:          m.policy.paused,
	}
	m.mu.Unlock()
	st.AvgSessionDuration = m.AvgSessionDuration()
	return st
}

// RateLimitStats is the per-IP / policy-set view C5's rate-limit-stats
// endpoint returns.
type RateLimitStats struct {
	UsedToday map[string]int
	Blocked   []string
	Whitelisted []string
}

func (m *Manager) RateLimitStatsSnapshot() RateLimitStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := make(map[string]int, len(m.policy.ipCountToday))
	for ip, n := range m.policy.ipCountToday {
		used[ip] = n
	}
	blocked := make([]string, 0, len(m.policy.blocked))
	for ip := range m.policy.blocked {
		blocked = append(blocked, ip)
	}
	whitelisted := make([]string, 0, len(m.policy.whitelist))
	for ip := range m.policy.whitelist {
		whitelisted = append(whitelisted, ip)
	}
	return RateLimitStats{UsedToday: used, Blocked: blocked, Whitelisted: whitelisted}
}

// AllSessions returns a defensive-copy snapshot of every session
// currently tracked (used by C5's session list/history endpoints).
func (m *Manager) AllSessions() []session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]session.Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.ToSnapshot(now))
	}
	return out
}
