// Package fleet builds the set of pools described by a parsed
// configuration and routes (pool, instance) selections to them. It is
// the top-level owner tying internal/registry's configuration schema to
// internal/pool's running fleets — kept as a separate package from
// internal/registry to avoid an import cycle (pool already depends on
// registry for InstanceConfig).
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/pwproxy/internal/audit"
	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/metrics"
	"github.com/oriys/pwproxy/internal/pool"
	"github.com/oriys/pwproxy/internal/registry"
)

// HintKind distinguishes an unconstrained lease from one pinned to a
// specific instance.
type HintKind int

const (
	HintAny HintKind = iota
	HintSpecific
)

// LeaseHint tells a Pool whether the caller wants any free instance or
// one particular instance (by alias or numeric id).
type LeaseHint struct {
	Kind     HintKind
	Instance string
}

// Config configures Registry construction.
type Config struct {
	Metrics *metrics.Collectors
	Audit   audit.Sink

	// Command and BaseArgs override the subprocess launched for every
	// instance in every pool. Defaults to "npx @playwright/mcp" (see
	// pool.Config) when left zero; tests substitute a fake child here.
	Command  string
	BaseArgs []string
}

// Registry owns every pool built from a ConfigTree and routes tool-call
// (pool, instance) selections to them.
type Registry struct {
	pools       map[string]*pool.Pool
	defaultName string

	mu sync.RWMutex
}

// New builds one pool.Pool per entry in ct.Pools, one pool after another
// (each pool's own init spawns its instances in parallel). If any pool
// fails outright to construct, prior pools
// are shut down and the error is returned — fleet construction is all-
// or-nothing even though individual child startup failure within a pool
// is not (see pool.New).
func New(ctx context.Context, ct *registry.ConfigTree, cfg Config) (*Registry, error) {
	if err := ct.Validate(); err != nil {
		return nil, fmt.Errorf("fleet: %w: %w", errkind.ErrConfig, err)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Noop{}
	}

	r := &Registry{pools: make(map[string]*pool.Pool, len(ct.Pools))}

	for _, pc := range ct.Pools {
		p, err := pool.New(ctx, pool.Config{
			Name:      pc.Name,
			Instances: pc.Instances,
			Command:   cfg.Command,
			BaseArgs:  cfg.BaseArgs,
			Metrics:   cfg.Metrics,
			Audit:     cfg.Audit,
		})
		if err != nil {
			r.shutdownAll()
			return nil, fmt.Errorf("fleet: build pool %q: %w", pc.Name, err)
		}
		r.pools[pc.Name] = p
		if pc.IsDefault {
			r.defaultName = pc.Name
		}
	}

	return r, nil
}

func (r *Registry) shutdownAll() {
	for _, p := range r.pools {
		p.Shutdown(pool.DefaultStopGrace)
	}
}

// DefaultPool returns the pool marked isDefault at configuration time.
func (r *Registry) DefaultPool() (*pool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("fleet: %w: no default pool configured", errkind.ErrConfig)
	}
	return p, nil
}

// Resolve maps an optional (poolName, instance) pair from a tool call to
// a concrete pool and a lease hint.
//
// If poolName is empty, the default pool is used unless instance names
// an alias that is unique across every pool, in which case that pool is
// selected implicitly. An alias ambiguous across more than one pool
// without an explicit poolName is rejected with ErrAmbiguousAlias.
func (r *Registry) Resolve(poolName, instance string) (*pool.Pool, LeaseHint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if poolName != "" {
		p, ok := r.pools[poolName]
		if !ok {
			return nil, LeaseHint{}, fmt.Errorf("fleet: pool %q: %w", poolName, errkind.ErrNotFound)
		}
		return p, hintFor(instance), nil
	}

	if instance == "" {
		p, err := r.defaultPoolLocked()
		return p, LeaseHint{Kind: HintAny}, err
	}

	matches := r.poolsWithAlias(instance)
	switch len(matches) {
	case 0:
		p, err := r.defaultPoolLocked()
		if err != nil {
			return nil, LeaseHint{}, err
		}
		return p, LeaseHint{Kind: HintSpecific, Instance: instance}, nil
	case 1:
		return matches[0], LeaseHint{Kind: HintSpecific, Instance: instance}, nil
	default:
		return nil, LeaseHint{}, fmt.Errorf("fleet: alias %q: %w", instance, errkind.ErrAmbiguousAlias)
	}
}

func (r *Registry) defaultPoolLocked() (*pool.Pool, error) {
	p, ok := r.pools[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("fleet: %w: no default pool configured", errkind.ErrConfig)
	}
	return p, nil
}

func (r *Registry) poolsWithAlias(alias string) []*pool.Pool {
	var matches []*pool.Pool
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration for reproducible ambiguity errors
	for _, name := range names {
		if r.pools[name].HasAlias(alias) {
			matches = append(matches, r.pools[name])
		}
	}
	return matches
}

func hintFor(instance string) LeaseHint {
	if instance == "" {
		return LeaseHint{Kind: HintAny}
	}
	return LeaseHint{Kind: HintSpecific, Instance: instance}
}

// PoolNames returns every configured pool name, sorted.
func (r *Registry) PoolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pool returns the named pool, or ErrNotFound.
func (r *Registry) Pool(name string) (*pool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("fleet: pool %q: %w", name, errkind.ErrNotFound)
	}
	return p, nil
}

// Shutdown stops every pool in parallel, each child given up to grace
// before a forced kill.
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.RLock()
	pools := make([]*pool.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Shutdown(grace)
		}(p)
	}
	wg.Wait()
}
