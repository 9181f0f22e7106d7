// Package pool manages the lifecycle of a named fleet of playwright-mcp
// child processes shared across tool invocations.
//
// # Design rationale
//
// Browser startup costs seconds to tens of seconds, so children are
// spawned eagerly at pool init rather than lazily on first use: lazy
// start would charge that latency to whichever caller happens to arrive
// first. Once started, a child is leased out of the lease queue (package
// lease) for the duration of one tool call (or one bulk-execution batch)
// and returned afterward.
//
// # Concurrency model
//
// Pool.mu guards the children slice and per-child bookkeeping; the lease
// queue is independently synchronized (package lease) and is never called
// while holding Pool.mu. The health-check loop probes every child
// directly, bypassing the lease queue entirely, so a fleet that is fully
// busy still gets checked.
//
// # Invariants
//
//   - Lease never hands out a child whose State is not Ready: such a child
//     is removed from the lease queue when the health loop fails it, when
//     its lessee releases it, or when Lease draws it from the queue.
//   - Once shutdown begins, no new lease is granted.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/pwproxy/internal/audit"
	"github.com/oriys/pwproxy/internal/child"
	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/lease"
	"github.com/oriys/pwproxy/internal/logging"
	"github.com/oriys/pwproxy/internal/metrics"
	"github.com/oriys/pwproxy/internal/observability"
	"github.com/oriys/pwproxy/internal/registry"
)

const (
	// DefaultHealthCheckInterval is how often the health loop probes
	// every child.
	DefaultHealthCheckInterval = 20 * time.Second
	// DefaultConsecutiveFailuresToFail is how many consecutive failed
	// probes mark a child Failed.
	DefaultConsecutiveFailuresToFail = 3
	// DefaultStopGrace bounds the graceful-shutdown window before a
	// child is SIGKILLed.
	DefaultStopGrace = 5 * time.Second
)

// managedChild wraps a *child.Handle with the bookkeeping the lease
// queue and health loop need: its alias/id, current lease metadata, and
// consecutive-probe-failure counter.
type managedChild struct {
	id    int
	alias string

	mu            sync.Mutex
	handle        *child.Handle
	leasedAt      time.Time
	leased        bool
	consecutiveFailures int
}

func (m *managedChild) ID() string { return instanceKeyFromInt(m.id) }

func (m *managedChild) InUse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leased
}

func (m *managedChild) MarkLeased() {
	m.mu.Lock()
	m.leased = true
	m.leasedAt = time.Now()
	m.mu.Unlock()
}

func (m *managedChild) MarkReleased() {
	m.mu.Lock()
	m.leased = false
	m.leasedAt = time.Time{}
	m.mu.Unlock()
}

func instanceKeyFromInt(id int) string { return fmt.Sprintf("%d", id) }

// InstanceStatus is one child's status line for Pool.Status.
type InstanceStatus struct {
	ID          int
	Alias       string
	State       child.State
	PID         int
	InUse       bool
	LeaseStartedAt time.Time
	Headless    bool
	Browser     string
}

// Status is the snapshot returned by Pool.Status.
type Status struct {
	PoolName     string
	HealthyCount int
	QueueDepth   int
	Instances    []InstanceStatus
}

// Config configures a Pool.
type Config struct {
	Name                     string
	Instances                []registry.InstanceConfig
	Command                  string // defaults to "npx"
	BaseArgs                 []string // defaults to ["@playwright/mcp"]
	HealthCheckInterval      time.Duration
	ConsecutiveFailuresToFail int
	StopGrace                time.Duration
	MaxQueueWait             time.Duration

	Metrics *metrics.Collectors
	Audit   audit.Sink
}

// Pool owns a fleet of children for one named pool and the lease queue
// that hands them out.
type Pool struct {
	cfg   Config
	queue *lease.Queue

	mu       sync.RWMutex
	children []*managedChild

	shutdownOnce sync.Once
	stopHealthCh chan struct{}
	healthDoneCh chan struct{}
}

// New constructs a Pool and spawns all configured children in parallel
// (errgroup), waiting for each to reach Ready within its own startup
// window. A child that fails to start is retained in Pool's children
// with State Failed and is NOT enqueued for leasing — Pool.New itself
// does not fail because of individual child startup failure.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Command == "" {
		cfg.Command = "npx"
	}
	if cfg.BaseArgs == nil {
		cfg.BaseArgs = []string{"@playwright/mcp"}
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.ConsecutiveFailuresToFail <= 0 {
		cfg.ConsecutiveFailuresToFail = DefaultConsecutiveFailuresToFail
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Noop{}
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("pool %q: no instances configured", cfg.Name)
	}

	p := &Pool{
		cfg:          cfg,
		queue:        lease.New(lease.Config{PoolName: cfg.Name, MaxQueueWait: cfg.MaxQueueWait, Metrics: cfg.Metrics}),
		children:     make([]*managedChild, len(cfg.Instances)),
		stopHealthCh: make(chan struct{}),
		healthDoneCh: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, ic := range cfg.Instances {
		i, ic := i, ic
		mc := &managedChild{id: ic.ID, alias: ic.Alias}
		p.children[i] = mc

		g.Go(func() error {
			args := append(append([]string{}, cfg.BaseArgs...), buildArgs(ic)...)
			h, err := child.Start(gctx, child.Config{
				Command:    cfg.Command,
				Args:       args,
				PoolName:   cfg.Name,
				InstanceID: instanceKey(cfg.Name, ic.ID),
				Metrics:    cfg.Metrics,
			})
			if err != nil {
				logging.Op().Error("child failed to start", "pool", cfg.Name, "instance", ic.ID, "error", err)
				cfg.Audit.Record(context.Background(), audit.Event{
					PoolName: cfg.Name, InstanceID: ic.ID, Kind: audit.EventChildFailedStart, Detail: err.Error(),
				})
				return nil // do not fail the whole pool init
			}
			mc.mu.Lock()
			mc.handle = h
			mc.mu.Unlock()
			p.queue.Add(mc)
			cfg.Audit.Record(context.Background(), audit.Event{
				PoolName: cfg.Name, InstanceID: ic.ID, Kind: audit.EventChildReady,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pool %q: init: %w", cfg.Name, err)
	}

	go p.healthCheckLoop()
	return p, nil
}

// Lease acquires a child, blocking per the policy described in package
// lease, and returns it with a release function the caller MUST invoke
// exactly once on every exit path.
func (p *Pool) Lease(ctx context.Context, instance string) (*child.Handle, func(), error) {
	ctx, span := observability.StartSpan(ctx, "pool.lease", observability.AttrPoolName.String(p.cfg.Name))
	defer span.End()

	var h lease.Handle
	var err error
	if instance == "" {
		h, err = p.queue.LeaseAny(ctx)
	} else {
		id, ok := p.resolveInstanceKey(instance)
		if !ok {
			observability.SetSpanError(span, errkind.ErrNotFound)
			return nil, nil, fmt.Errorf("pool %q: instance %q: %w", p.cfg.Name, instance, errkind.ErrNotFound)
		}
		h, err = p.queue.LeaseSpecific(ctx, id)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, nil, err
	}

	mc := h.(*managedChild)
	if mc.handle.State() != child.StateReady {
		// The child failed while idle in the queue: drop it instead of
		// handing it out, and lease again from what remains.
		p.queue.Remove(mc.ID())
		return p.Lease(ctx, instance)
	}
	observability.SetSpanOK(span)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		mc.mu.Lock()
		ch := mc.handle
		mc.mu.Unlock()
		if ch != nil && ch.State() != child.StateReady {
			p.queue.Remove(mc.ID())
			p.cfg.Metrics.IncChildFailure(p.cfg.Name, "released_unhealthy")
			return
		}
		p.queue.Release(mc.ID())
	}
	return mc.handle, release, nil
}

// resolveInstanceKey maps an alias or decimal id string to the internal
// queue key ("<id>").
func (p *Pool) resolveInstanceKey(instance string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, mc := range p.children {
		if mc.alias == instance || instanceKeyFromInt(mc.id) == instance {
			return mc.ID(), true
		}
	}
	return "", false
}

// HasAlias reports whether this pool has an instance with the given
// alias, used by the registry to detect cross-pool alias ambiguity.
func (p *Pool) HasAlias(alias string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, mc := range p.children {
		if mc.alias == alias {
			return true
		}
	}
	return false
}

// Status returns a snapshot of every child's state for
// browser_pool_status.
func (p *Pool) Status() Status {
	depth := p.queue.QueueDepth()
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{PoolName: p.cfg.Name, QueueDepth: depth}
	for i, mc := range p.children {
		mc.mu.Lock()
		h := mc.handle
		leased := mc.leased
		leasedAt := mc.leasedAt
		mc.mu.Unlock()

		is := InstanceStatus{ID: mc.id, Alias: mc.alias, InUse: leased, LeaseStartedAt: leasedAt}
		if h != nil {
			is.State = h.State()
			is.PID = h.PID()
			if is.State == child.StateReady {
				st.HealthyCount++
			}
		} else {
			is.State = child.StateFailed
		}
		if i < len(p.cfg.Instances) {
			is.Headless = p.cfg.Instances[i].Headless != nil && *p.cfg.Instances[i].Headless
			is.Browser = p.cfg.Instances[i].Browser
		}
		st.Instances = append(st.Instances, is)
	}
	return st
}

// Shutdown drains the lease queue (failing further leases with
// ShuttingDown) and stops every child in parallel, each given up to
// grace before a forced kill.
func (p *Pool) Shutdown(grace time.Duration) {
	p.shutdownOnce.Do(func() {
		close(p.stopHealthCh)
		<-p.healthDoneCh

		p.queue.Drain()

		p.mu.RLock()
		children := append([]*managedChild{}, p.children...)
		p.mu.RUnlock()

		var wg sync.WaitGroup
		for _, mc := range children {
			mc.mu.Lock()
			h := mc.handle
			mc.mu.Unlock()
			if h == nil {
				continue
			}
			wg.Add(1)
			go func(h *child.Handle) {
				defer wg.Done()
				h.Stop(grace)
			}(h)
		}
		wg.Wait()
	})
}

func (p *Pool) healthCheckLoop() {
	defer close(p.healthDoneCh)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealthCh:
			return
		case <-ticker.C:
			p.healthCheckOnce()
		}
	}
}

// healthCheckOnce probes every child directly, bypassing the lease
// queue entirely (a probe sent through the queue would show all
// children "healthy" whenever they are all busy). N consecutive
// failures (cfg.ConsecutiveFailuresToFail) mark a child Failed and
// remove it from the queue; a passing probe clears the counter.
func (p *Pool) healthCheckOnce() {
	p.mu.RLock()
	children := append([]*managedChild{}, p.children...)
	p.mu.RUnlock()

	healthy := 0
	for _, mc := range children {
		mc.mu.Lock()
		h := mc.handle
		mc.mu.Unlock()
		if h == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), child.DefaultProbeTimeout)
		err := h.Probe(ctx)
		cancel()

		mc.mu.Lock()
		if err != nil {
			mc.consecutiveFailures++
			fails := mc.consecutiveFailures
			mc.mu.Unlock()
			if fails >= p.cfg.ConsecutiveFailuresToFail {
				logging.Op().Warn("child failed health check threshold, removing from pool",
					"pool", p.cfg.Name, "instance", mc.id, "consecutive_failures", fails)
				h.MarkFailed()
				p.queue.Remove(mc.ID())
				p.cfg.Audit.Record(context.Background(), audit.Event{
					PoolName: p.cfg.Name, InstanceID: mc.id, Kind: audit.EventChildFailedHealth,
				})
			}
			continue
		}
		mc.consecutiveFailures = 0
		mc.mu.Unlock()
		healthy++
	}

	p.cfg.Metrics.SetPoolHealthy(p.cfg.Name, healthy)
	p.cfg.Metrics.SetQueueDepth(p.cfg.Name, p.queue.QueueDepth())
}
