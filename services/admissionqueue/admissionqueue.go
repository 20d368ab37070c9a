// Package admissionqueue implements C3: a coalescing FIFO that walks
// each accepted request through waiting -> preparing -> connecting ->
// ready (or rate_limited), gated on C1's warm capacity and C2's
// rate-limit and session-creation calls.
package admissionqueue

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cloudbrowser/controlplane/logger"
	"github.com/cloudbrowser/controlplane/models/queueentry"
	"github.com/cloudbrowser/controlplane/services/sessionmanager"
)

const (
	workerInterval  = 500 * time.Millisecond
	uxDelay         = 500 * time.Millisecond
	nominalParallel = 3
)

// PoolGate is the subset of C1 the worker needs: whether there's warm
// capacity right now.
type PoolGate interface {
	WarmCount() int
}

// Sessions is the subset of C2 the worker needs: the deferred rate-limit
// check and session creation.
type Sessions interface {
	CheckRateLimit(ip string) sessionmanager.RateLimitStatus
	CreateSession(url, ip string) sessionmanager.CreateResult
	AvgSessionDuration() time.Duration
}

// Callback is invoked, without the queue's lock held, once per distinct
// status an entry transitions through.
type Callback func(queueentry.Snapshot)

// Queue is C3. queue (the waiting order), entries, ipQueueMap and
// callbacks are all serialized by a single mutex; the worker takes the
// lock only to pop/transition, and fires callbacks without it held.
type Queue struct {
	pool     PoolGate
	sessions Sessions

	mu         sync.Mutex
	waiting    []*queueentry.Entry // FIFO order of waiting entries only
	entries    map[string]*queueentry.Entry
	ipQueueMap map[string]string // rawIp -> queueId of its latest entry; Enqueue coalesces only while that entry is waiting
	callbacks  map[string]Callback

	signal  chan struct{}
	done    chan struct{}
	limiter *rate.Limiter
}

// New constructs a Queue wired to C1 and C2.
func New(pool PoolGate, sessions Sessions) *Queue {
	return &Queue{
		pool:       pool,
		sessions:   sessions,
		entries:    make(map[string]*queueentry.Entry),
		ipQueueMap: make(map[string]string),
		callbacks:  make(map[string]Callback),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// Enqueue applies the coalescing rule: a rawIp with an existing waiting
// entry has its url updated and the same entry returned, with no new
// position assigned.
func (q *Queue) Enqueue(url, rawIP string) queueentry.Snapshot {
	q.mu.Lock()
	if id, ok := q.ipQueueMap[rawIP]; ok {
		if e, ok := q.entries[id]; ok && e.Status == queueentry.StatusWaiting {
			e.URL = url
			snap := e.ToSnapshot(len(q.waiting), q.estimatedWaitLocked())
			q.mu.Unlock()
			return snap
		}
	}

	e := &queueentry.Entry{
		ID:        uuid.NewString(),
		URL:       url,
		RawIP:     rawIP,
		Status:    queueentry.StatusWaiting,
		CreatedAt: time.Now(),
	}
	q.entries[e.ID] = e
	q.waiting = append(q.waiting, e)
	q.ipQueueMap[rawIP] = e.ID
	q.reindexLocked()
	snap := e.ToSnapshot(len(q.waiting), q.estimatedWaitLocked())
	q.mu.Unlock()

	q.nudge()
	return snap
}

// Get returns a read-only snapshot, or nil if unknown.
func (q *Queue) Get(id string) *queueentry.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	snap := e.ToSnapshot(len(q.waiting), q.estimatedWaitLocked())
	return &snap
}

// Leave removes id from the waiting sequence (if present), reindexes,
// and drops its IP mapping and subscription.
func (q *Queue) Leave(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return
	}
	q.removeFromWaitingLocked(e)
	delete(q.entries, id)
	if q.ipQueueMap[e.RawIP] == id {
		delete(q.ipQueueMap, e.RawIP)
	}
	delete(q.callbacks, id)
}

// Subscribe registers cb to be invoked (lock-free) on every subsequent
// status transition of id.
func (q *Queue) Subscribe(id string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[id] = cb
}

// Entries returns a defensive-copy snapshot of every tracked entry
// (waiting and otherwise), used by C5's queue-list endpoint.
func (q *Queue) Entries() []queueentry.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := len(q.waiting)
	wait := q.estimatedWaitLocked()
	out := make([]queueentry.Snapshot, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.ToSnapshot(total, wait))
	}
	return out
}

// Length returns the number of currently-waiting entries.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// EstimatedWaitSeconds is 0 if any container is warm, else
// ceil(length/3) * avgSessionDuration.
func (q *Queue) EstimatedWaitSeconds() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimatedWaitLocked()
}

func (q *Queue) estimatedWaitLocked() int {
	if q.pool.WarmCount() > 0 {
		return 0
	}
	if len(q.waiting) == 0 {
		return 0
	}
	batches := math.Ceil(float64(len(q.waiting)) / nominalParallel)
	return int(batches * q.sessions.AvgSessionDuration().Seconds())
}

// Drain marks every waiting entry rate_limited, fires callbacks, and
// purges all registries. Returns the count drained.
func (q *Queue) Drain() int {
	q.mu.Lock()
	drained := append([]*queueentry.Entry(nil), q.waiting...)
	for _, e := range drained {
		e.Status = queueentry.StatusRateLimited
	}
	callbacks := make(map[string]Callback, len(q.callbacks))
	for id, cb := range q.callbacks {
		callbacks[id] = cb
	}
	q.waiting = nil
	q.entries = make(map[string]*queueentry.Entry)
	q.ipQueueMap = make(map[string]string)
	q.callbacks = make(map[string]Callback)
	q.mu.Unlock()

	for _, e := range drained {
		if cb, ok := callbacks[e.ID]; ok {
			cb(e.ToSnapshot(0, 0))
		}
	}
	return len(drained)
}

// reindexLocked recomputes position (1-based) for every waiting entry.
// Caller must hold mu.
func (q *Queue) reindexLocked() {
	for i, e := range q.waiting {
		e.Position = i + 1
	}
}

func (q *Queue) removeFromWaitingLocked(e *queueentry.Entry) {
	idx := lo.IndexOf(q.waiting, e)
	if idx < 0 {
		return
	}
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	e.Position = 0
	q.reindexLocked()
}

func (q *Queue) nudge() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// StartWorker launches the periodic (and signaled) worker goroutine.
func (q *Queue) StartWorker() {
	go func() {
		ticker := time.NewTicker(workerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.done:
				return
			case <-ticker.C:
				q.step()
			case <-q.signal:
				q.step()
			}
		}
	}()
}

func (q *Queue) StopWorker() {
	close(q.done)
}

// step processes at most the first waiting entry, per the worker
// contract: do nothing if none are waiting or the pool has zero warm.
func (q *Queue) step() {
	if q.pool.WarmCount() == 0 {
		return
	}

	q.mu.Lock()
	if len(q.waiting) == 0 {
		q.mu.Unlock()
		return
	}
	e := q.waiting[0]
	q.removeFromWaitingLocked(e)
	cb := q.callbacks[e.ID]
	q.mu.Unlock()

	status := q.sessions.CheckRateLimit(e.RawIP)
	if !status.Allowed {
		q.mu.Lock()
		e.Status = queueentry.StatusRateLimited
		q.mu.Unlock()
		q.fire(cb, e)
		return
	}

	q.mu.Lock()
	e.Status = queueentry.StatusPreparing
	q.mu.Unlock()
	q.fire(cb, e)

	select {
	case <-time.After(uxDelay):
	case <-q.done:
		return
	}

	q.mu.Lock()
	e.Status = queueentry.StatusConnecting
	q.mu.Unlock()
	q.fire(cb, e)

	result := q.sessions.CreateSession(e.URL, e.RawIP)
	switch {
	case result.Err != nil:
		logger.Warn("admission queue: session creation failed, dropping entry", zap.String("queueId", e.ID), zap.Error(result.Err))
		q.mu.Lock()
		delete(q.entries, e.ID)
		delete(q.callbacks, e.ID)
		if q.ipQueueMap[e.RawIP] == e.ID {
			delete(q.ipQueueMap, e.RawIP)
		}
		q.mu.Unlock()

	case result.Queued:
		// Bounded failure (capacity exhausted between the worker's gate
		// check and C2's acquire): push back to the front of waiting.
		if !q.limiter.Allow() {
			time.Sleep(q.limiter.Reserve().Delay())
		}
		q.mu.Lock()
		e.Status = queueentry.StatusWaiting
		q.waiting = append([]*queueentry.Entry{e}, q.waiting...)
		q.reindexLocked()
		q.mu.Unlock()

	default:
		q.mu.Lock()
		e.Status = queueentry.StatusReady
		e.SessionID = result.Session.ID
		e.Port = result.Session.Port
		q.mu.Unlock()
		q.fire(cb, e)
	}
}

func (q *Queue) fire(cb Callback, e *queueentry.Entry) {
	if cb == nil {
		return
	}
	q.mu.Lock()
	snap := e.ToSnapshot(len(q.waiting), q.estimatedWaitLocked())
	q.mu.Unlock()
	cb(snap)
}
