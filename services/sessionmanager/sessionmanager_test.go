package sessionmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbrowser/controlplane/models/session"
)

type fakePool struct {
	warm      bool
	acquired  []string
	released  []string
	launched  []string
}

func (f *fakePool) Acquire(sessionID string) (string, int, bool) {
	f.acquired = append(f.acquired, sessionID)
	if !f.warm {
		return "", 0, false
	}
	return "container-1", 4001, true
}

func (f *fakePool) Release(containerID string) {
	f.released = append(f.released, containerID)
}

func (f *fakePool) LaunchApp(containerID, url string) {
	f.launched = append(f.launched, url)
}

func TestNormalizeURL_BlocksDangerousSchemes(t *testing.T) {
	_, err := NormalizeURL("javascript:alert(1)")
	assert.Error(t, err)

	_, err = NormalizeURL("file:///etc/passwd")
	assert.Error(t, err)
}

func TestNormalizeURL_PassesThroughHTTPS(t *testing.T) {
	out, err := NormalizeURL("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out)
}

func TestNormalizeURL_AddsSchemeToBareDomain(t *testing.T) {
	out, err := NormalizeURL("example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out)
}

func TestNormalizeURL_SearchesFreeText(t *testing.T) {
	out, err := NormalizeURL("best pizza near me")
	require.NoError(t, err)
	assert.Contains(t, out, "duckduckgo.com")
}

func TestNormalizeURL_RejectsEmpty(t *testing.T) {
	_, err := NormalizeURL("  ")
	assert.Error(t, err)
}

func TestAnonymizeIP_V4MasksLastOctet(t *testing.T) {
	assert.Equal(t, "203.0.113.*", AnonymizeIP("203.0.113.42"))
}

func TestAnonymizeIP_InvalidPassesThrough(t *testing.T) {
	assert.Equal(t, "not-an-ip", AnonymizeIP("not-an-ip"))
}

func TestCreateSession_AcquiresContainerAndStarts(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)

	result := m.CreateSession("https://example.com", "203.0.113.42")

	require.NoError(t, result.Err)
	require.NotNil(t, result.Session)
	assert.False(t, result.Queued)
	assert.Equal(t, string(session.StatusActive), result.Session.Status)
	assert.Equal(t, 4001, result.Session.Port)
	assert.Len(t, pool.launched, 1)
}

// TestCreateSession_AcquiresWithRealSessionID guards against the id
// C2 asks C1 to tag the container with drifting from the session's own
// id - admin's derived "reconnecting" status depends on the two matching.
func TestCreateSession_AcquiresWithRealSessionID(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)

	result := m.CreateSession("https://example.com", "203.0.113.42")

	require.NoError(t, result.Err)
	require.Len(t, pool.acquired, 1)
	assert.Equal(t, result.Session.ID, pool.acquired[0])
}

func TestCreateSession_QueuesWhenNoWarmCapacity(t *testing.T) {
	pool := &fakePool{warm: false}
	m := New(pool, 300, 10)

	result := m.CreateSession("https://example.com", "203.0.113.42")

	assert.True(t, result.Queued)
	assert.Nil(t, result.Session)
}

func TestCreateSession_RejectsInvalidURL(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)

	result := m.CreateSession("javascript:alert(1)", "203.0.113.42")

	assert.Error(t, result.Err)
	assert.Empty(t, pool.acquired)
}

func TestEndSession_IsIdempotent(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)
	result := m.CreateSession("https://example.com", "203.0.113.42")
	id := result.Session.ID

	first := m.EndSession(id, session.ReasonUserEnded)
	second := m.EndSession(id, session.ReasonUserEnded)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, pool.released, 1)
}

func TestEndSession_InvokesOnEndCallback(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)
	result := m.CreateSession("https://example.com", "203.0.113.42")

	var got []session.Snapshot
	m.OnSessionEnded(func(s session.Snapshot) { got = append(got, s) })

	m.EndSession(result.Session.ID, session.ReasonUserEnded)

	require.Len(t, got, 1)
	assert.Equal(t, result.Session.ID, got[0].ID)
	assert.Equal(t, string(session.StatusEnded), got[0].Status)
}

func TestEndSession_UnknownReturnsFalse(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)
	assert.False(t, m.EndSession("unknown", session.ReasonUserEnded))
}

func TestCheckRateLimit_BlockedTakesPriority(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 1)
	m.Block("203.0.113.42")

	status := m.CheckRateLimit("203.0.113.42")

	assert.False(t, status.Allowed)
	assert.True(t, status.Blocked)
}

func TestCheckRateLimit_WhitelistBypassesCap(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 1)
	m.Whitelist("203.0.113.42")
	m.CreateSession("https://example.com", "203.0.113.42")
	m.CreateSession("https://example.com", "203.0.113.42")

	status := m.CheckRateLimit("203.0.113.42")

	assert.True(t, status.Allowed)
}

func TestCheckRateLimit_ExhaustsAfterCap(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 1)
	m.CreateSession("https://example.com", "203.0.113.42")

	status := m.CheckRateLimit("203.0.113.42")

	assert.False(t, status.Allowed)
	assert.Equal(t, 0, status.Remaining)
}

func TestSetDurationAffectsOnlyFutureSessions(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)
	before := m.CreateSession("https://example.com", "203.0.113.1")
	require.NotNil(t, before.Session)

	m.SetDuration(600)

	assert.Equal(t, 600, m.CurrentDuration())
	assert.InDelta(t, 300, m.GetSession(before.Session.ID).TimeRemaining, 1)
	after := m.CreateSession("https://example.com", "203.0.113.2")
	require.NotNil(t, after.Session)
	assert.InDelta(t, 600, after.Session.TimeRemaining, 1)
}

func TestAvgSessionDuration_DefaultsToCurrentDurationWhenEmpty(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)

	assert.Equal(t, 300*time.Second, m.AvgSessionDuration())
}

func TestStatsSnapshot_TracksPeakConcurrent(t *testing.T) {
	pool := &fakePool{warm: true}
	m := New(pool, 300, 10)
	m.CreateSession("https://example.com", "203.0.113.1")
	m.CreateSession("https://example.com", "203.0.113.2")

	stats := m.StatsSnapshot()

	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 2, stats.PeakConcurrent)
	assert.Equal(t, 2, stats.SessionsToday)
}
