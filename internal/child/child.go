// Package child supervises a single playwright-mcp child process:
// spawning it with the right argv, framing newline-delimited JSON-RPC
// messages over its stdio, correlating replies to in-flight calls, and
// tearing it down gracefully (then forcefully) on stop.
package child

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/logging"
	"github.com/oriys/pwproxy/internal/metrics"
	"github.com/oriys/pwproxy/internal/observability"
)

// State is the lifecycle state of a child process.
type State int

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultCallTimeout bounds how long a single JSON-RPC call waits for
	// a reply before failing with errkind.ErrTimeout. The child is not
	// killed: a slow tool call (e.g. a long page load) should not cost
	// the whole process.
	DefaultCallTimeout = 90 * time.Second
	// DefaultProbeTimeout bounds the health-check ping.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultStartupTimeout bounds the initial handshake.
	DefaultStartupTimeout = 30 * time.Second
)

// Config configures a Handle.
type Config struct {
	// Command and Args launch the playwright-mcp binary, derived by the
	// pool from the argv flag-mapping table.
	Command string
	Args    []string

	StartupTimeout time.Duration
	CallTimeout    time.Duration
	ProbeTimeout   time.Duration

	PoolName   string
	InstanceID string

	Metrics *metrics.Collectors
}

func (c *Config) setDefaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
}

// rpcRequest is the JSON-RPC 2.0 request envelope written to the child's
// stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope read from the
// child's stdout.
type rpcResponse struct {
	JSONRPC string               `json:"jsonrpc"`
	ID      json.Number          `json:"id"`
	Result  json.RawMessage      `json:"result,omitempty"`
	Error   *errkind.RemoteError `json:"error,omitempty"`
}

type pending struct {
	resultCh chan rpcResponse
}

// Handle is a single spawned playwright-mcp child and its JSON-RPC
// transport. One reader goroutine drains stdout and routes replies to
// waiters by request id; a writer mutex serializes concurrent callers'
// stdin writes so two requests never interleave on the wire.
type Handle struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	mu         sync.Mutex
	pendingByID map[int64]*pending
	state      State
	lastErr    error

	nextID atomic.Int64

	exitCh chan struct{} // closed when the reader loop observes EOF/exit
	once   sync.Once
}

// Start spawns the child process and performs an initialize handshake
// (a single synchronous JSON-RPC call to "initialize", mirroring the MCP
// stdio client bootstrap), failing if it does not reply within
// cfg.StartupTimeout.
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	cfg.setDefaults()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("child: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("child: stdout pipe: %w", err)
	}
	cmd.Stderr = newStderrSink(cfg.PoolName, cfg.InstanceID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("child: start %s: %w", cfg.Command, err)
	}

	h := &Handle{
		cfg:         cfg,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		pendingByID: make(map[int64]*pending),
		state:       StateStarting,
		exitCh:      make(chan struct{}),
	}

	go h.readLoop()

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()
	if _, err := h.Call(startCtx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "pwproxy", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}); err != nil {
		h.kill()
		return nil, fmt.Errorf("child: initialize handshake: %w", err)
	}

	h.setState(StateReady)
	logging.Op().Info("child ready", "pool", cfg.PoolName, "instance", cfg.InstanceID, "pid", cmd.Process.Pid)
	return h, nil
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// State reports the child's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkFailed forces the child into StateFailed from outside the read
// loop, for callers (the pool's health-check loop) that have concluded
// the child is unresponsive via an out-of-band signal (repeated probe
// failures) rather than a stdio error. A no-op once the child is
// already Failed or Stopped.
func (h *Handle) MarkFailed() {
	h.mu.Lock()
	if h.state == StateFailed || h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateFailed
	h.mu.Unlock()
	h.cfg.Metrics.IncChildFailure(h.cfg.PoolName, "health_check")
}

// PID returns the underlying process id.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Call sends a JSON-RPC request and blocks until its matching response
// arrives, ctx is cancelled, or cfg.CallTimeout elapses. A timeout does
// not kill the child: the entry is removed from pendingByID so a late
// reply is discarded by the reader loop rather than misrouted.
func (h *Handle) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := observability.StartSpan(ctx, "child.call",
		observability.AttrMethod.String(method),
		observability.AttrInstanceID.String(h.cfg.InstanceID),
	)
	defer span.End()

	start := time.Now()
	id := h.nextID.Add(1)

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("child: marshal request: %w", err)
	}

	p := &pending{resultCh: make(chan rpcResponse, 1)}
	h.mu.Lock()
	if h.state == StateFailed || h.state == StateStopped {
		h.mu.Unlock()
		observability.SetSpanError(span, errkind.ErrChildGone)
		return nil, fmt.Errorf("child: call %s: %w", method, errkind.ErrChildGone)
	}
	h.pendingByID[id] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pendingByID, id)
		h.mu.Unlock()
	}()

	if err := h.writeLine(line); err != nil {
		observability.SetSpanError(span, err)
		h.recordOutcome(method, "write_error", start)
		return nil, fmt.Errorf("child: write request: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if h.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, h.cfg.CallTimeout)
		defer cancel()
	}

	select {
	case resp := <-p.resultCh:
		if resp.Error != nil {
			observability.SetSpanError(span, resp.Error)
			h.recordOutcome(method, "remote_error", start)
			return nil, resp.Error
		}
		observability.SetSpanOK(span)
		h.recordOutcome(method, "ok", start)
		return resp.Result, nil
	case <-h.exitCh:
		observability.SetSpanError(span, errkind.ErrChildGone)
		h.recordOutcome(method, "child_gone", start)
		return nil, fmt.Errorf("child: call %s: %w", method, errkind.ErrChildGone)
	case <-callCtx.Done():
		h.recordOutcome(method, "timeout", start)
		if ctx.Err() != nil {
			observability.SetSpanError(span, errkind.ErrCancelled)
			return nil, fmt.Errorf("child: call %s: %w", method, errkind.ErrCancelled)
		}
		observability.SetSpanError(span, errkind.ErrTimeout)
		return nil, fmt.Errorf("child: call %s: %w", method, errkind.ErrTimeout)
	}
}

func (h *Handle) recordOutcome(method, outcome string, start time.Time) {
	h.cfg.Metrics.ObserveChildCall(method, outcome, time.Since(start))
}

// Probe sends a lightweight side-channel ping (an MCP "ping" request)
// bypassing the lease queue, used by the pool's health-check loop. It
// uses cfg.ProbeTimeout rather than cfg.CallTimeout.
func (h *Handle) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()
	_, err := h.Call(ctx, "ping", nil)
	return err
}

func (h *Handle) writeLine(line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// readLoop reads newline-delimited JSON-RPC responses from stdout and
// routes each to its waiter by id. It is the single reader for this
// child: no other goroutine ever reads from stdout. On EOF or a fatal
// read error it marks the child Failed and unblocks every still-pending
// call via exitCh.
func (h *Handle) readLoop() {
	scanner := bufio.NewScanner(h.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.Op().Warn("child: malformed response line", "pool", h.cfg.PoolName, "instance", h.cfg.InstanceID, "error", err)
			continue
		}
		id, err := resp.ID.Int64()
		if err != nil {
			continue
		}

		h.mu.Lock()
		p, ok := h.pendingByID[id]
		h.mu.Unlock()
		if !ok {
			// Reply for a call that already timed out or was never ours;
			// discard per the out-of-order routing property.
			continue
		}
		select {
		case p.resultCh <- resp:
		default:
		}
	}

	h.markGone()
}

func (h *Handle) markGone() {
	h.once.Do(func() {
		h.setState(StateFailed)
		close(h.exitCh)
		h.cfg.Metrics.IncChildFailure(h.cfg.PoolName, "stdout_closed")
	})
}

// Stop tears the child down: graceful stdin close, then SIGTERM, then
// SIGKILL after grace elapses, signaling the whole process group so any
// descendant (e.g. a spawned browser binary) is reclaimed too.
func (h *Handle) Stop(grace time.Duration) {
	h.setState(StateStopped)

	_ = h.stdin.Close()

	if h.cmd.Process == nil {
		return
	}

	signalGraceful(h.cmd)

	done := make(chan struct{})
	go func() { h.cmd.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(grace):
		signalKill(h.cmd)
		<-done
	}
}

func (h *Handle) kill() {
	if h.cmd.Process != nil {
		signalKill(h.cmd)
	}
	_ = h.stdin.Close()
	_ = h.cmd.Wait()
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
