package child

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/pwproxy/internal/errkind"
)

// echoScript is a tiny shell program standing in for playwright-mcp: it
// reads newline-delimited JSON-RPC requests from stdin and replies with a
// canned empty-result response for every id, except "slow" which never
// replies (used for timeout tests) and "crash" which exits immediately
// (used for child-gone tests).
const echoScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"slow"'*) ;; # never reply
    *'"method":"crash"'*) exit 7 ;;
    *) id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
       printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
       ;;
  esac
done
`

func startEchoChild(t *testing.T, callTimeout time.Duration) *Handle {
	t.Helper()
	h, err := Start(context.Background(), Config{
		Command:        "sh",
		Args:           []string{"-c", echoScript},
		StartupTimeout: 5 * time.Second,
		CallTimeout:    callTimeout,
		ProbeTimeout:   2 * time.Second,
		PoolName:       "test-pool",
		InstanceID:     "i1",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Stop(2 * time.Second) })
	return h
}

func TestCallRoundTrip(t *testing.T) {
	h := startEchoChild(t, 5*time.Second)
	if h.State() != StateReady {
		t.Fatalf("State() = %v, want Ready", h.State())
	}

	_, err := h.Call(context.Background(), "browser_click", map[string]any{"ref": "e1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCallTimeoutDoesNotKillChild(t *testing.T) {
	h := startEchoChild(t, 200*time.Millisecond)

	_, err := h.Call(context.Background(), "slow", nil)
	if !errors.Is(err, errkind.ErrTimeout) {
		t.Fatalf("Call(slow) = %v, want ErrTimeout", err)
	}

	if h.State() != StateReady {
		t.Fatalf("State() after timeout = %v, want still Ready", h.State())
	}

	// The child should still answer further calls.
	if _, err := h.Call(context.Background(), "browser_click", nil); err != nil {
		t.Fatalf("Call after timeout: %v", err)
	}
}

func TestCallAfterChildExitReturnsChildGone(t *testing.T) {
	h := startEchoChild(t, 5*time.Second)

	_, err := h.Call(context.Background(), "crash", nil)
	if err == nil {
		t.Fatal("expected the crash call itself to fail")
	}

	// Give the reader loop a moment to observe EOF.
	deadline := time.Now().Add(2 * time.Second)
	for h.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.State() != StateFailed {
		t.Fatalf("State() = %v, want Failed after crash", h.State())
	}

	if _, err := h.Call(context.Background(), "browser_click", nil); !errors.Is(err, errkind.ErrChildGone) {
		t.Fatalf("Call after crash = %v, want ErrChildGone", err)
	}
}

func TestCallCancellationReturnsCancelled(t *testing.T) {
	h := startEchoChild(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := h.Call(ctx, "slow", nil)
	if !errors.Is(err, errkind.ErrCancelled) {
		t.Fatalf("Call(cancelled) = %v, want ErrCancelled", err)
	}
}

func TestProbeUsesSeparateTimeout(t *testing.T) {
	h := startEchoChild(t, 5*time.Second)
	if err := h.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestConcurrentCallsEachReceiveAReply(t *testing.T) {
	h := startEchoChild(t, 5*time.Second)

	type result struct {
		idx int
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func(idx int) {
			_, err := h.Call(context.Background(), "browser_click", map[string]any{"n": idx})
			results <- result{idx: idx, err: err}
		}(i)
	}

	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("concurrent call %d failed: %v", r.idx, r.err)
		}
	}
}
