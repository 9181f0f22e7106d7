package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/pwproxy/internal/blobstore"
	"github.com/oriys/pwproxy/internal/fleet"
	"github.com/oriys/pwproxy/internal/intercept"
	"github.com/oriys/pwproxy/internal/registry"
	"github.com/oriys/pwproxy/internal/snapshotcache"
)

// echoScript replies to every JSON-RPC call with a fixed five-field
// result object, enough to exercise flatten-based pagination.
const echoScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"a":1,"b":2,"c":3,"d":4,"e":5}}\n' "$id"
done
`

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ct := &registry.ConfigTree{
		Pools: []registry.PoolConfig{
			{Name: "DEFAULT", IsDefault: true, Instances: []registry.InstanceConfig{{ID: 0, Alias: "primary"}}},
		},
	}
	reg, err := fleet.New(context.Background(), ct, fleet.Config{
		Command:  "sh",
		BaseArgs: []string{"-c", echoScript},
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(2 * time.Second) })

	store, err := blobstore.New(blobstore.Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(store.Close)

	cache := snapshotcache.New(snapshotcache.Config{})
	t.Cleanup(cache.Close)

	return New(Config{
		Registry:      reg,
		SnapshotCache: cache,
		Interceptor:   intercept.New(intercept.Config{Store: store}),
		CallTimeout:   5 * time.Second,
	})
}

func TestDispatchNonSnapshotToolPassesThrough(t *testing.T) {
	d := newTestDispatcher(t)
	out, err := d.Dispatch(context.Background(), "browser_click", map[string]any{"ref": "e1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if m["a"] != float64(1) {
		t.Fatalf("result not passed through: %+v", m)
	}
}

func TestDispatchStripsRoutingParams(t *testing.T) {
	d := newTestDispatcher(t)
	args := map[string]any{"ref": "e1", "browser_pool": "DEFAULT", "browser_instance": "primary"}
	_, err := d.Dispatch(context.Background(), "browser_click", args)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := args["browser_pool"]; ok {
		t.Fatal("browser_pool was not stripped from args")
	}
	if _, ok := args["browser_instance"]; ok {
		t.Fatal("browser_instance was not stripped from args")
	}
}

func TestDispatchSnapshotPaginatesAndCaches(t *testing.T) {
	d := newTestDispatcher(t)
	out, err := d.Dispatch(context.Background(), "browser_snapshot", map[string]any{
		"flatten": true, "limit": 2, "offset": 0,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	page, ok := out.(Page)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if page.TotalPages != 3 {
		t.Fatalf("TotalPages = %d, want 3 (5 leaves / limit 2)", page.TotalPages)
	}
	if !page.HasMore {
		t.Fatal("expected HasMore on page 0 of 3")
	}
	if page.Fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}

	// Second page via cache_key short-circuit: no child call needed.
	out2, err := d.Dispatch(context.Background(), "browser_snapshot", map[string]any{
		"cache_key": page.Fingerprint, "offset": 2, "limit": 2,
	})
	if err != nil {
		t.Fatalf("Dispatch page 2: %v", err)
	}
	page2 := out2.(Page)
	if page2.PageContent == page.PageContent {
		t.Fatal("page 1 should differ from page 0")
	}
	if page2.Fingerprint != page.Fingerprint {
		t.Fatalf("Fingerprint changed across pages of the same entry: %q vs %q", page2.Fingerprint, page.Fingerprint)
	}
}

func TestDispatchFingerprintStableForIdenticalInputs(t *testing.T) {
	d := newTestDispatcher(t)
	out1, err := d.Dispatch(context.Background(), "browser_snapshot", map[string]any{"flatten": true, "limit": 2})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	out2, err := d.Dispatch(context.Background(), "browser_snapshot", map[string]any{"flatten": true, "limit": 2})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out1.(Page).Fingerprint != out2.(Page).Fingerprint {
		t.Fatal("identical (rawPayload, query, flatten, outputFormat) should fingerprint identically")
	}
}

func TestDispatchBulkSingleLease(t *testing.T) {
	d := newTestDispatcher(t)
	out, err := d.Dispatch(context.Background(), "browser_execute_bulk", map[string]any{
		"stopOnError": true,
		"commands": []any{
			map[string]any{"tool": "browser_navigate", "args": map[string]any{"url": "https://example.com"}},
			map[string]any{"tool": "browser_click", "args": map[string]any{"ref": "e1"}},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch(bulk): %v", err)
	}
	m := out.(map[string]any)
	results := m["results"].([]BulkResult)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Error != "" {
			t.Fatalf("unexpected sub-command error: %+v", r)
		}
	}
}

func TestDispatchUnknownPoolIsError(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "browser_click", map[string]any{"browser_pool": "GHOST"})
	if err == nil {
		t.Fatal("expected error for unknown pool")
	}
}

func TestPoolStatusDefaultsToDefaultPool(t *testing.T) {
	d := newTestDispatcher(t)
	st, err := d.PoolStatus("")
	if err != nil {
		t.Fatalf("PoolStatus: %v", err)
	}
	if st.PoolName != "DEFAULT" {
		t.Fatalf("PoolName = %q, want DEFAULT", st.PoolName)
	}
}
