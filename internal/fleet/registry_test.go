package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/registry"
)

// echoScript stands in for playwright-mcp, replying to every JSON-RPC
// request with an empty result.
const echoScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
done
`

// twoPoolTree builds a ConfigTree with two pools: DEFAULT (default,
// instance aliased "primary") and SECONDARY (instance aliased
// "backup"), each with one instance.
func twoPoolTree() *registry.ConfigTree {
	return &registry.ConfigTree{
		Pools: []registry.PoolConfig{
			{
				Name:      "DEFAULT",
				IsDefault: true,
				Instances: []registry.InstanceConfig{{ID: 0, Alias: "primary"}},
			},
			{
				Name:      "SECONDARY",
				IsDefault: false,
				Instances: []registry.InstanceConfig{{ID: 0, Alias: "backup"}},
			},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(context.Background(), twoPoolTree(), Config{
		Command:  "sh",
		BaseArgs: []string{"-c", echoScript},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(2 * time.Second) })
	return r
}

func TestResolveDefaultsToDefaultPool(t *testing.T) {
	r := newTestRegistry(t)
	p, hint, err := r.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hint.Kind != HintAny {
		t.Fatalf("hint = %+v, want HintAny", hint)
	}
	if p.Status().PoolName != "DEFAULT" {
		t.Fatalf("resolved pool = %q, want DEFAULT", p.Status().PoolName)
	}
}

func TestResolveExplicitPoolOverridesDefault(t *testing.T) {
	r := newTestRegistry(t)
	p, _, err := r.Resolve("SECONDARY", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Status().PoolName != "SECONDARY" {
		t.Fatalf("resolved pool = %q, want SECONDARY", p.Status().PoolName)
	}
}

func TestResolveUnknownPoolIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Resolve("GHOST", "")
	if !errors.Is(err, errkind.ErrNotFound) {
		t.Fatalf("Resolve(GHOST) = %v, want ErrNotFound", err)
	}
}

func TestResolveUniqueAliasImpliesItsPool(t *testing.T) {
	r := newTestRegistry(t)
	p, hint, err := r.Resolve("", "backup")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Status().PoolName != "SECONDARY" {
		t.Fatalf("resolved pool = %q, want SECONDARY (via unique alias)", p.Status().PoolName)
	}
	if hint.Kind != HintSpecific || hint.Instance != "backup" {
		t.Fatalf("hint = %+v, want Specific(backup)", hint)
	}
}

func TestResolveAmbiguousAliasAcrossPools(t *testing.T) {
	ct := twoPoolTree()
	ct.Pools[1].Instances[0].Alias = "primary" // now both pools have an instance aliased "primary"
	r, err := New(context.Background(), ct, Config{Command: "sh", BaseArgs: []string{"-c", echoScript}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(2 * time.Second)

	_, _, err = r.Resolve("", "primary")
	if !errors.Is(err, errkind.ErrAmbiguousAlias) {
		t.Fatalf("Resolve(ambiguous alias) = %v, want ErrAmbiguousAlias", err)
	}
}

func TestNewValidatesConfigTreeBeforeSpawning(t *testing.T) {
	ct := &registry.ConfigTree{} // no pools: Validate fails before any subprocess spawn
	_, err := New(context.Background(), ct, Config{})
	if !errors.Is(err, errkind.ErrConfig) {
		t.Fatalf("New(empty tree) = %v, want ErrConfig", err)
	}
}

func TestPoolNamesSorted(t *testing.T) {
	r := newTestRegistry(t)
	names := r.PoolNames()
	if len(names) != 2 || names[0] != "DEFAULT" || names[1] != "SECONDARY" {
		t.Fatalf("PoolNames = %v", names)
	}
}

func TestHintForEmptyIsAny(t *testing.T) {
	h := hintFor("")
	if h.Kind != HintAny {
		t.Fatalf("hintFor(\"\") = %+v, want HintAny", h)
	}
}

func TestHintForNonEmptyIsSpecific(t *testing.T) {
	h := hintFor("primary")
	if h.Kind != HintSpecific || h.Instance != "primary" {
		t.Fatalf("hintFor(primary) = %+v", h)
	}
}
