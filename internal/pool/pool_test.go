package pool

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/pwproxy/internal/child"
	"github.com/oriys/pwproxy/internal/registry"
)

// echoScript stands in for playwright-mcp: replies to every JSON-RPC
// request with an empty result, except "slow" (never replies) and
// "crash" (exits immediately), matching internal/child's fake child.
const echoScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"slow"'*) ;;
    *'"method":"crash"'*) exit 7 ;;
    *) id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
       printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
       ;;
  esac
done
`

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	instances := make([]registry.InstanceConfig, n)
	for i := range instances {
		instances[i] = registry.InstanceConfig{ID: i}
	}
	p, err := New(context.Background(), Config{
		Name:                "test-pool",
		Instances:           instances,
		Command:             "sh",
		BaseArgs:            []string{"-c", echoScript},
		HealthCheckInterval: time.Hour, // disable for deterministic tests
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })
	return p
}

func TestNewSpawnsAllInstancesInParallel(t *testing.T) {
	p := newTestPool(t, 3)
	st := p.Status()
	if len(st.Instances) != 3 {
		t.Fatalf("Instances = %d, want 3", len(st.Instances))
	}
	if st.HealthyCount != 3 {
		t.Fatalf("HealthyCount = %d, want 3", st.HealthyCount)
	}
}

func TestLeaseAnyAndRelease(t *testing.T) {
	p := newTestPool(t, 1)
	h, release, err := p.Lease(context.Background(), "")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if h.State() != child.StateReady {
		t.Fatalf("leased handle State = %v", h.State())
	}
	if p.Status().Instances[0].InUse != true {
		t.Fatal("expected instance marked in-use after lease")
	}
	release()
	if p.Status().Instances[0].InUse != false {
		t.Fatal("expected instance marked free after release")
	}
}

func TestLeaseBlocksWhenAllBusy(t *testing.T) {
	p := newTestPool(t, 1)
	_, release1, err := p.Lease(context.Background(), "")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = p.Lease(ctx, "")
	if err == nil {
		t.Fatal("expected Lease to block and then fail once the context deadline passes")
	}

	release1()
	h2, release2, err := p.Lease(context.Background(), "")
	if err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
	if h2 == nil {
		t.Fatal("expected non-nil handle after release")
	}
	release2()
}

func TestLeaseSpecificByAlias(t *testing.T) {
	instances := []registry.InstanceConfig{
		{ID: 0, Alias: "primary"},
		{ID: 1, Alias: "secondary"},
	}
	p, err := New(context.Background(), Config{
		Name:                "aliased-pool",
		Instances:           instances,
		Command:             "sh",
		BaseArgs:            []string{"-c", echoScript},
		HealthCheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })

	h, release, err := p.Lease(context.Background(), "secondary")
	if err != nil {
		t.Fatalf("Lease(secondary): %v", err)
	}
	defer release()

	st := p.Status()
	if !st.Instances[1].InUse {
		t.Fatal("expected secondary instance marked in-use")
	}
	if st.Instances[0].InUse {
		t.Fatal("primary instance should remain free")
	}
	_ = h
}

func TestLeaseUnknownInstanceIsNotFound(t *testing.T) {
	p := newTestPool(t, 1)
	_, _, err := p.Lease(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestStatusReportsQueueDepth(t *testing.T) {
	p := newTestPool(t, 1)
	_, release, err := p.Lease(context.Background(), "")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer release()
	if p.Status().QueueDepth != 0 {
		// queue depth only counts active waiters, not leased-out handles
		t.Fatalf("QueueDepth = %d, want 0 with no blocked waiters", p.Status().QueueDepth)
	}
}

func TestShutdownStopsAllChildren(t *testing.T) {
	p := newTestPool(t, 2)
	st := p.Status()
	pids := []int{st.Instances[0].PID, st.Instances[1].PID}
	for _, pid := range pids {
		if pid == 0 {
			t.Fatal("expected nonzero pid before shutdown")
		}
	}
	p.Shutdown(2 * time.Second)
}

// failPingScript replies to "initialize" normally (so startup succeeds)
// but answers every "ping" with a JSON-RPC error, simulating a child that
// is alive but unresponsive to health checks.
const failPingScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"ping"'*) printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-1,"message":"unhealthy"}}\n' "$id" ;;
    *) printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id" ;;
  esac
done
`

func TestHealthCheckMarksChildFailedAfterConsecutiveProbeFailures(t *testing.T) {
	instances := []registry.InstanceConfig{{ID: 0}}
	p, err := New(context.Background(), Config{
		Name:                      "unhealthy-pool",
		Instances:                 instances,
		Command:                   "sh",
		BaseArgs:                  []string{"-c", failPingScript},
		HealthCheckInterval:       20 * time.Millisecond,
		ConsecutiveFailuresToFail: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := p.Status()
		if st.Instances[0].State == child.StateFailed {
			if st.HealthyCount != 0 {
				t.Fatalf("HealthyCount = %d, want 0 once the only instance is Failed", st.HealthyCount)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected instance State to become Failed after repeated probe failures")
}

func TestHasAlias(t *testing.T) {
	instances := []registry.InstanceConfig{{ID: 0, Alias: "primary"}}
	p, err := New(context.Background(), Config{
		Name:                "alias-check-pool",
		Instances:           instances,
		Command:             "sh",
		BaseArgs:            []string{"-c", echoScript},
		HealthCheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })

	if !p.HasAlias("primary") {
		t.Fatal("expected HasAlias(primary) = true")
	}
	if p.HasAlias("nonexistent") {
		t.Fatal("expected HasAlias(nonexistent) = false")
	}
}
