package admissionqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbrowser/controlplane/models/queueentry"
	"github.com/cloudbrowser/controlplane/models/session"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

type fakePoolGate struct {
	warmCount int
}

func (f *fakePoolGate) WarmCount() int { return f.warmCount }

type fakeSessions struct {
	rateLimitAllowed bool
	createResult     sessionmanager.CreateResult
	avgDuration      time.Duration
}

func (f *fakeSessions) CheckRateLimit(ip string) sessionmanager.RateLimitStatus {
	return sessionmanager.RateLimitStatus{Allowed: f.rateLimitAllowed, Remaining: 1}
}

func (f *fakeSessions) CreateSession(url, ip string) sessionmanager.CreateResult {
	return f.createResult
}

func (f *fakeSessions) AvgSessionDuration() time.Duration {
	if f.avgDuration == 0 {
		return 300 * time.Second
	}
	return f.avgDuration
}

func TestEnqueue_AssignsSequentialPositions(t *testing.T) {
	q := New(&fakePoolGate{}, &fakeSessions{})

	first := q.Enqueue("https://a.com", "1.1.1.1")
	second := q.Enqueue("https://b.com", "2.2.2.2")

	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, 2, second.TotalInQueue)
}

func TestEnqueue_CoalescesSameIP(t *testing.T) {
	q := New(&fakePoolGate{}, &fakeSessions{})

	first := q.Enqueue("https://a.com", "1.1.1.1")
	second := q.Enqueue("https://a-updated.com", "1.1.1.1")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, q.Length())
}

func TestGet_UnknownReturnsNil(t *testing.T) {
	q := New(&fakePoolGate{}, &fakeSessions{})
	assert.Nil(t, q.Get("missing"))
}

func TestLeave_RemovesAndReindexes(t *testing.T) {
	q := New(&fakePoolGate{}, &fakeSessions{})
	first := q.Enqueue("https://a.com", "1.1.1.1")
	second := q.Enqueue("https://b.com", "2.2.2.2")

	q.Leave(first.ID)

	assert.Nil(t, q.Get(first.ID))
	remaining := q.Get(second.ID)
	require.NotNil(t, remaining)
	assert.Equal(t, 1, remaining.Position)
}

func TestEstimatedWaitSeconds_ZeroWhenWarmCapacityAvailable(t *testing.T) {
	q := New(&fakePoolGate{warmCount: 1}, &fakeSessions{})
	q.Enqueue("https://a.com", "1.1.1.1")

	assert.Equal(t, 0, q.EstimatedWaitSeconds())
}

func TestEstimatedWaitSeconds_ComputesFromBatchesAndAvgDuration(t *testing.T) {
	q := New(&fakePoolGate{warmCount: 0}, &fakeSessions{avgDuration: 60 * time.Second})
	q.Enqueue("https://a.com", "1.1.1.1")
	q.Enqueue("https://b.com", "2.2.2.2")
	q.Enqueue("https://c.com", "3.3.3.3")
	q.Enqueue("https://d.com", "4.4.4.4")

	// 4 waiting / 3 nominal parallel -> ceil = 2 batches * 60s
	assert.Equal(t, 120, q.EstimatedWaitSeconds())
}

func TestDrain_MarksRateLimitedAndClearsRegistries(t *testing.T) {
	q := New(&fakePoolGate{}, &fakeSessions{})
	var received []queueentry.Snapshot
	e := q.Enqueue("https://a.com", "1.1.1.1")
	q.Subscribe(e.ID, func(s queueentry.Snapshot) { received = append(received, s) })

	n := q.Drain()

	assert.Equal(t, 1, n)
	require.Len(t, received, 1)
	assert.Equal(t, string(queueentry.StatusRateLimited), received[0].Status)
	assert.Equal(t, 0, q.Length())
	assert.Nil(t, q.Get(e.ID))
}

func TestStep_NoWarmCapacityIsNoop(t *testing.T) {
	q := New(&fakePoolGate{warmCount: 0}, &fakeSessions{rateLimitAllowed: true})
	q.Enqueue("https://a.com", "1.1.1.1")

	q.step()

	assert.Equal(t, 1, q.Length())
}

func TestStep_RateLimitedEntryFiresRateLimitedStatus(t *testing.T) {
	q := New(&fakePoolGate{warmCount: 1}, &fakeSessions{rateLimitAllowed: false})
	e := q.Enqueue("https://a.com", "1.1.1.1")
	var received []queueentry.Snapshot
	q.Subscribe(e.ID, func(s queueentry.Snapshot) { received = append(received, s) })

	q.step()

	require.Len(t, received, 1)
	assert.Equal(t, string(queueentry.StatusRateLimited), received[0].Status)
}

func TestStep_SuccessfulCreationMarksReady(t *testing.T) {
	fs := &fakeSessions{
		rateLimitAllowed: true,
		createResult: sessionmanager.CreateResult{
			Session: &session.Snapshot{ID: "s1", Port: 4001, Status: string(session.StatusActive)},
		},
	}
	q := New(&fakePoolGate{warmCount: 1}, fs)
	e := q.Enqueue("https://a.com", "1.1.1.1")
	var received []queueentry.Snapshot
	q.Subscribe(e.ID, func(s queueentry.Snapshot) { received = append(received, s) })

	q.step()

	require.NotEmpty(t, received)
	last := received[len(received)-1]
	assert.Equal(t, string(queueentry.StatusReady), last.Status)
	assert.Equal(t, "s1", last.SessionID)
	assert.Equal(t, 4001, last.Port)
}
