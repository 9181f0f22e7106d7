// Package audit defines an abstraction for pool and child lifecycle
// event persistence. By default events are discarded (Noop); the
// Postgres sink routes them to a table for later operational review.
// A pool never blocks a lease or a child start waiting on audit writes:
// Sink.Record is called fire-and-forget from a background goroutine
// wherever it matters.
package audit

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies the lifecycle transition an Event records.
type EventKind string

const (
	EventChildReady       EventKind = "child_ready"
	EventChildFailedStart EventKind = "child_failed_start"
	EventChildFailedHealth EventKind = "child_failed_health"
	EventChildStopped     EventKind = "child_stopped"
	EventPoolShutdown     EventKind = "pool_shutdown"
)

// Event is one pool/child lifecycle transition.
type Event struct {
	PoolName   string
	InstanceID int
	Kind       EventKind
	Detail     string
	At         time.Time
}

// Sink abstracts the destination for lifecycle events. Implementations
// must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards all events. The default when no audit sink is
// configured.
type Noop struct{}

func (Noop) Record(context.Context, Event) error { return nil }
func (Noop) Close() error                        { return nil }

// MultiSink fans an event out to multiple sinks, returning the first
// error encountered (all sinks are still attempted).
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a Sink that writes to all provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Record(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemorySink buffers events in memory. Useful for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	max    int
}

// NewMemorySink creates a MemorySink retaining at most max events (0 =
// unbounded).
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (m *MemorySink) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.max > 0 && len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Events returns a copy of the buffered events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
