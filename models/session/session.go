// Package session models C2's owned entity: a bound, time-limited
// browser session running inside one acquired container.
package session

import "time"

// Status is one of the three terminal-or-active states a session moves
// through. A session never transitions back out of ended/expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// EndReason names why a session stopped being active, carried on
// session:ended events and into admin history.
type EndReason string

const (
	ReasonUserEnded   EndReason = "user_ended"
	ReasonExpired     EndReason = "expired"
	ReasonAbandoned   EndReason = "abandoned"
	ReasonAdminKilled EndReason = "admin_killed"
)

// Session is C2's registry entry. ContainerRef is the C1 container ID
// bound to this session; it must never be used by callers outside C2 to
// reach into C1 directly — end-of-session flows through EndSession.
type Session struct {
	ID           string
	ContainerRef string
	Port         int
	URL          string
	AnonIP       string
	StartedAt    time.Time
	ExpiresAt    time.Time
	Status       Status
	EndReason    EndReason
}

// Snapshot is the read-only, externally observable view of a session.
type Snapshot struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Port          int     `json:"port"`
	URL           string  `json:"url"`
	AnonIP        string  `json:"anonIp,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	TimeRemaining int     `json:"timeRemaining"`
}

// ToSnapshot returns a defensive copy with timeRemaining computed as of
// now, floored at zero so a session past expiry never reports negative.
func (s *Session) ToSnapshot(now time.Time) Snapshot {
	remaining := int(s.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		ID:            s.ID,
		Status:        string(s.Status),
		Port:          s.Port,
		URL:           s.URL,
		AnonIP:        s.AnonIP,
		StartedAt:     s.StartedAt,
		ExpiresAt:     s.ExpiresAt,
		TimeRemaining: remaining,
	}
}
