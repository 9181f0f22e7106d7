// Package snapshotcache caches paginated ARIA snapshot results keyed by a
// stable fingerprint of the page state that produced them. It is
// deliberately purely in-memory: a snapshot is only ever useful to the
// process instance that just
// produced it (it is paired one-to-one with a live child and a live
// browser context), so nothing is gained by making it shareable across
// processes, and a network hop would cost more than it recovers.
package snapshotcache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/oriys/pwproxy/internal/metrics"
)

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 5 * time.Minute

// Page is one page of a paginated ARIA snapshot.
type Page struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// Entry is an immutable cached snapshot: once inserted, its Pages never
// change. A re-snapshot of the same page state produces the same
// fingerprint; Put then stores a new Entry under it rather than
// mutating the old one.
type Entry struct {
	Fingerprint string
	// Mode records the post-processing parameters the fingerprint was
	// hashed over (e.g. "flatten" vs "raw", or an outputFormat name),
	// purely for status/debugging surfaces — lookups are keyed on
	// Fingerprint alone.
	Mode       string
	Pages      []Page
	TotalItems int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Config configures a Cache.
type Config struct {
	TTL     time.Duration
	Metrics *metrics.Collectors
}

// Cache is a TTL-bounded, purely in-memory map from fingerprint to
// immutable Entry. Lookup and insert are O(log n) or better: the map
// gives O(1) lookup by fingerprint, and expiry uses a min-heap ordered by
// ExpiresAt so Sweep never has to scan the whole table.
//
// # Concurrency
//
// A single mutex guards both the map and the heap. Entries themselves are
// never mutated after insertion, so callers may retain a copy of the
// *Entry returned by Get beyond the lifetime of any lock.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*Entry
	pq  expiryHeap

	metrics *metrics.Collectors

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type heapItem struct {
	fingerprint string
	expiresAt   time.Time
}

type expiryHeap []heapItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// New creates a Cache and starts its background sweep loop, which runs at
// most once per second and only when the next entry is actually due to
// expire.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		m:       make(map[string]*Entry),
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

// Get returns the cached Entry for fingerprint, and false if absent or
// expired. An expired entry found during Get is removed eagerly rather
// than waiting for the next sweep.
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[fingerprint]
	if !ok {
		c.recordMiss()
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		delete(c.m, fingerprint)
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return e, true
}

// Put inserts an immutable Entry for fingerprint, overwriting any prior
// entry under the same key. Returns the stored Entry (with ExpiresAt
// populated from the cache's TTL).
func (c *Cache) Put(fingerprint string, pages []Page, totalItems int) *Entry {
	return c.PutWithMode(fingerprint, "", pages, totalItems)
}

// PutWithMode is Put plus a caller-supplied Mode label, used when the
// dispatcher wants the cache entry to record which post-processing
// parameters produced it.
func (c *Cache) PutWithMode(fingerprint, mode string, pages []Page, totalItems int) *Entry {
	now := time.Now()
	e := &Entry{
		Fingerprint: fingerprint,
		Mode:        mode,
		Pages:       pages,
		TotalItems:  totalItems,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}

	c.mu.Lock()
	c.m[fingerprint] = e
	heap.Push(&c.pq, heapItem{fingerprint: fingerprint, expiresAt: e.ExpiresAt})
	c.mu.Unlock()

	return e
}

// Invalidate removes fingerprint immediately, e.g. after a mutating tool
// call (click, type, navigate) invalidates the prior page state.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	delete(c.m, fingerprint)
	c.mu.Unlock()
}

// Len reports the current number of live (not-yet-swept) entries. Note
// this may include already-logically-expired entries that Get would
// reject but Sweep has not yet reclaimed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.IncSnapshotHit()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.IncSnapshotMiss()
	}
}

// Sweep pops every heap entry whose deadline has passed and removes it
// from the map, provided the map entry's ExpiresAt still matches the heap
// entry (a Put that overwrote the same fingerprint may have pushed a
// later deadline; the stale heap entry is simply discarded, not acted
// on). Returns the number of entries actually removed from the map.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for c.pq.Len() > 0 {
		top := c.pq[0]
		if top.expiresAt.After(now) {
			break
		}
		heap.Pop(&c.pq)

		if e, ok := c.m[top.fingerprint]; ok && !e.ExpiresAt.After(now) && e.ExpiresAt.Equal(top.expiresAt) {
			delete(c.m, top.fingerprint)
			removed++
		}
	}
	return removed
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
