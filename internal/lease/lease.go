// Package lease implements the blocking handle queue a Pool uses to hand
// out child instances to tool invocations. Waiters requesting "any"
// handle are not served in arrival order: a release wakes every waiter,
// and whichever reacquires the queue lock first takes the handle (a
// caller arriving at that moment can take it ahead of all of them). A
// waiter asking for a specific handle (by instance id or alias) waits
// only for that handle.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/metrics"
)

// Handle is anything the queue can lease out. The pool's instances satisfy
// this with a thin wrapper around *child.Handle. MarkLeased/MarkReleased
// are called by the Queue itself while holding its internal lock, so
// implementations do not need their own synchronization for this flag.
type Handle interface {
	ID() string
	InUse() bool
	MarkLeased()
	MarkReleased()
}

// Queue manages lease/release of a fixed, named set of handles for one
// pool. Waiters block on a sync.Cond until a handle is released or
// context cancellation/queue-ceiling fires; cancellation is translated
// into a Broadcast by a short-lived goroutine per wait, since sync.Cond
// has no native context awareness.
type Queue struct {
	poolName string
	metrics  *metrics.Collectors

	mu       sync.Mutex
	cond     *sync.Cond
	handles  map[string]Handle
	order    []string // arrival order of handle ids, for FIFO "any" scans
	waiters  int
	maxWait  time.Duration // 0 = unbounded
	draining bool
}

// Config configures a Queue.
type Config struct {
	PoolName string
	// MaxQueueWait bounds how long a leaseAny waiter blocks before
	// failing with errkind.ErrPoolExhausted. Zero means unbounded wait,
	// the default when no ceiling is configured.
	MaxQueueWait time.Duration
	Metrics      *metrics.Collectors
}

// New creates an empty Queue. Call Add for each handle once it is ready.
func New(cfg Config) *Queue {
	q := &Queue{
		poolName: cfg.PoolName,
		metrics:  cfg.Metrics,
		handles:  make(map[string]Handle),
		maxWait:  cfg.MaxQueueWait,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add registers a handle as available for leasing. Safe to call after
// instances finish starting up, even while other goroutines are already
// waiting in the queue.
func (q *Queue) Add(h Handle) {
	q.mu.Lock()
	q.handles[h.ID()] = h
	q.order = append(q.order, h.ID())
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Remove permanently retires a handle (e.g. after it is marked Failed),
// so it is never leased again. A waiter currently holding it is
// unaffected; Remove only stops future leases.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	delete(q.handles, id)
	for i, hid := range q.order {
		if hid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// Drain marks the queue as shutting down: every future lease request
// (waiting or not) fails immediately with errkind.ErrShuttingDown.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// LeaseAny blocks until any non-in-use handle is available and marks it
// leased. Concurrent LeaseAny callers are not ordered among themselves
// (see takeLocked). The caller must call
// Release exactly once on every exit path, including ctx cancellation.
func (q *Queue) LeaseAny(ctx context.Context) (Handle, error) {
	start := time.Now()
	h, err := q.acquire(ctx, "")
	if q.metrics != nil {
		q.metrics.ObserveLeaseWait(q.poolName, time.Since(start))
	}
	if err == nil {
		q.metrics.IncLeaseGranted(q.poolName, "any")
	}
	return h, err
}

// LeaseSpecific blocks until the handle with the given id becomes
// available. It does not queue behind LeaseAny waiters: a caller naming
// a specific instance is not competing for the shared "any" pool.
func (q *Queue) LeaseSpecific(ctx context.Context, id string) (Handle, error) {
	start := time.Now()
	h, err := q.acquire(ctx, id)
	if q.metrics != nil {
		q.metrics.ObserveLeaseWait(q.poolName, time.Since(start))
	}
	if err == nil {
		q.metrics.IncLeaseGranted(q.poolName, "specific")
	}
	return h, err
}

func (q *Queue) acquire(ctx context.Context, wantID string) (Handle, error) {
	q.mu.Lock()

	if wantID == "" {
		q.waiters++
		defer func() { q.waiters-- }()
	}

	waitStart := time.Now()
	for {
		if q.draining {
			q.mu.Unlock()
			return nil, fmt.Errorf("lease: pool %q: %w", q.poolName, errkind.ErrShuttingDown)
		}

		if wantID != "" {
			if _, ok := q.handles[wantID]; !ok {
				q.mu.Unlock()
				return nil, fmt.Errorf("lease: pool %q: instance %q: %w", q.poolName, wantID, errkind.ErrNotFound)
			}
		}

		if h, ok := q.takeLocked(wantID); ok {
			q.mu.Unlock()
			return h, nil
		}

		if wantID == "" && q.maxWait > 0 && time.Since(waitStart) >= q.maxWait {
			q.mu.Unlock()
			return nil, fmt.Errorf("lease: pool %q: %w", q.poolName, errkind.ErrPoolExhausted)
		}

		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, fmt.Errorf("lease: pool %q: %w", q.poolName, errkind.ErrCancelled)
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		var timer *time.Timer
		if wantID == "" && q.maxWait > 0 {
			remaining := q.maxWait - time.Since(waitStart)
			if remaining > 0 {
				timer = time.AfterFunc(remaining, func() {
					q.mu.Lock()
					q.cond.Broadcast()
					q.mu.Unlock()
				})
			}
		}

		q.cond.Wait()

		close(done)
		if timer != nil {
			timer.Stop()
		}
	}
}

// takeLocked must be called with q.mu held. If wantID is empty, it scans
// q.order (the order handles were added) for the first non-in-use handle.
// Which waiter gets it is decided by which goroutine reacquires q.mu
// first after a Broadcast, not by when that waiter began waiting.
func (q *Queue) takeLocked(wantID string) (Handle, bool) {
	if wantID != "" {
		h, ok := q.handles[wantID]
		if !ok || h.InUse() {
			return nil, false
		}
		h.MarkLeased()
		return h, true
	}
	for _, id := range q.order {
		h, ok := q.handles[id]
		if !ok || h.InUse() {
			continue
		}
		h.MarkLeased()
		return h, true
	}
	return nil, false
}

// Release returns a handle to the pool and wakes every waiter; the first
// to reacquire the lock takes it. It is safe
// to call even if the handle was already Removed (a no-op in that case).
func (q *Queue) Release(id string) {
	q.mu.Lock()
	if h, ok := q.handles[id]; ok {
		h.MarkReleased()
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// QueueDepth reports the current number of goroutines blocked in
// LeaseAny, for metrics/status reporting.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters
}
