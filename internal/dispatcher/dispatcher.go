// Package dispatcher is the front door for every inbound tool call: it
// strips the proxy's own routing parameters, resolves a pool and lease
// hint, acquires a scoped lease, forwards the call to a child, runs
// binary interception on the result, and mediates snapshot-cache
// reads and writes for paginated snapshot tools.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/pwproxy/internal/fleet"
	"github.com/oriys/pwproxy/internal/intercept"
	"github.com/oriys/pwproxy/internal/logging"
	"github.com/oriys/pwproxy/internal/metrics"
	"github.com/oriys/pwproxy/internal/observability"
	"github.com/oriys/pwproxy/internal/pool"
	"github.com/oriys/pwproxy/internal/snapshotcache"
)

// snapshotProducingTools are tools whose result is an ARIA snapshot
// eligible for post-processing (query/flatten) and pagination.
var snapshotProducingTools = map[string]struct{}{
	"browser_snapshot":      {},
	"browser_take_snapshot": {},
}

const (
	defaultPageLimit   = 50
	defaultCallTimeout = 90 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Registry      *fleet.Registry
	SnapshotCache *snapshotcache.Cache
	Interceptor   *intercept.Interceptor
	QueryEngine   QueryEngine
	Metrics       *metrics.Collectors
	CallTimeout   time.Duration
}

// Dispatcher is the entry point invoked by the outer MCP server on
// every tool call.
type Dispatcher struct {
	registry    *fleet.Registry
	cache       *snapshotcache.Cache
	interceptor *intercept.Interceptor
	queryEngine QueryEngine
	metrics     *metrics.Collectors
	callTimeout time.Duration
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	qe := cfg.QueryEngine
	if qe == nil {
		qe = DefaultQueryEngine
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		cache:       cfg.SnapshotCache,
		interceptor: cfg.Interceptor,
		queryEngine: qe,
		metrics:     cfg.Metrics,
		callTimeout: timeout,
	}
}

// Page is the shape returned for a paginated snapshot result.
type Page struct {
	PageContent string `json:"page"`
	TotalPages  int    `json:"totalPages"`
	TotalItems  int    `json:"totalItems"`
	HasMore     bool   `json:"hasMore"`
	Fingerprint string `json:"fingerprint"`
}

// BulkCommand is one sub-command of a browser_execute_bulk call.
type BulkCommand struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// BulkResult is the result of one sub-command within a bulk execution.
type BulkResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Dispatch runs one tool invocation end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any) (any, error) {
	callID := uuid.New().String()
	ctx, span := observability.StartServerSpan(ctx, "dispatcher.dispatch",
		observability.AttrToolName.String(toolName),
		observability.AttrRequestID.String(callID),
	)
	defer span.End()

	poolName, instance := popRoutingParams(args)

	if toolName == "browser_execute_bulk" {
		out, err := d.dispatchBulk(ctx, poolName, instance, args)
		recordSpanOutcome(span, err)
		return out, err
	}

	_, snapshotTool := snapshotProducingTools[toolName]

	if snapshotTool {
		if page, ok, err := d.tryCacheShortCircuit(args); err != nil {
			recordSpanOutcome(span, err)
			return nil, err
		} else if ok {
			recordSpanOutcome(span, nil)
			return page, nil
		}
	}

	p, hint, err := d.registry.Resolve(poolName, instance)
	if err != nil {
		recordSpanOutcome(span, err)
		return nil, err
	}

	ch, release, err := p.Lease(ctx, hint.Instance)
	if err != nil {
		recordSpanOutcome(span, err)
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	raw, err := ch.Call(callCtx, toolName, args)
	if err != nil {
		recordSpanOutcome(span, err)
		return nil, err
	}

	result, err := d.interceptResult(ctx, toolName, raw)
	if err != nil {
		recordSpanOutcome(span, err)
		return nil, err
	}

	if snapshotTool && wantsPostProcessing(args) {
		page, err := d.paginateAndCache(ctx, raw, args)
		recordSpanOutcome(span, err)
		if err != nil {
			return nil, err
		}
		return page, nil
	}

	recordSpanOutcome(span, nil)
	return result, nil
}

func recordSpanOutcome(span trace.Span, err error) {
	if err != nil {
		observability.SetSpanError(span, err)
		return
	}
	observability.SetSpanOK(span)
}

// popRoutingParams removes the proxy's own routing parameters from args
// in place and returns them.
func popRoutingParams(args map[string]any) (pool, instance string) {
	if v, ok := args["browser_pool"].(string); ok {
		pool = v
	}
	if v, ok := args["browser_instance"].(string); ok {
		instance = v
	}
	delete(args, "browser_pool")
	delete(args, "browser_instance")
	return pool, instance
}

func wantsPostProcessing(args map[string]any) bool {
	for _, k := range []string{"query", "flatten", "limit", "offset", "outputFormat"} {
		if _, ok := args[k]; ok {
			return true
		}
	}
	return false
}

// tryCacheShortCircuit checks whether the caller supplied cache_key
// naming a still-live fingerprint and an offset/limit selecting a page
// within it; if so it returns that page without ever acquiring a lease
// or calling a child.
func (d *Dispatcher) tryCacheShortCircuit(args map[string]any) (Page, bool, error) {
	cacheKey, _ := args["cache_key"].(string)
	if cacheKey == "" {
		return Page{}, false, nil
	}
	entry, ok := d.cache.Get(cacheKey)
	if !ok {
		return Page{}, false, nil
	}
	limit := intArg(args, "limit", defaultPageLimit)
	offset := intArg(args, "offset", 0)
	if limit <= 0 || offset < 0 || offset%limit != 0 {
		return Page{}, false, nil
	}
	idx := offset / limit
	if idx >= len(entry.Pages) {
		return Page{}, false, nil
	}
	return Page{
		PageContent: entry.Pages[idx].Content,
		TotalPages:  len(entry.Pages),
		TotalItems:  entry.TotalItems,
		HasMore:     idx < len(entry.Pages)-1,
		Fingerprint: entry.Fingerprint,
	}, true, nil
}

// paginateAndCache runs the query engine over a fresh child result,
// stores the resulting pages under a stable fingerprint, and returns
// the requested page.
func (d *Dispatcher) paginateAndCache(ctx context.Context, raw json.RawMessage, args map[string]any) (Page, error) {
	query, _ := args["query"].(string)
	flatten, _ := args["flatten"].(bool)
	outputFormat, _ := args["outputFormat"].(string)
	limit := intArg(args, "limit", defaultPageLimit)
	offset := intArg(args, "offset", 0)

	lines, err := d.queryEngine.Apply(ctx, raw, query, flatten, limit)
	if err != nil {
		return Page{}, fmt.Errorf("dispatcher: query engine: %w", err)
	}

	fingerprint := computeFingerprint(raw, query, flatten, outputFormat)
	pages := make([]snapshotcache.Page, len(lines))
	totalItems := 0
	for i, content := range lines {
		pages[i] = snapshotcache.Page{Index: i, Content: content}
		totalItems += len(content)
	}
	d.cache.Put(fingerprint, pages, totalItems)

	idx := 0
	if limit > 0 {
		idx = offset / limit
	}
	if idx >= len(pages) {
		idx = len(pages) - 1
	}
	if idx < 0 {
		idx = 0
	}

	return Page{
		PageContent: pages[idx].Content,
		TotalPages:  len(pages),
		TotalItems:  totalItems,
		HasMore:     idx < len(pages)-1,
		Fingerprint: fingerprint,
	}, nil
}

// computeFingerprint produces the stable hash over the raw payload and
// post-processing parameters: two calls with identical inputs must
// fingerprint identically.
func computeFingerprint(raw json.RawMessage, query string, flatten bool, outputFormat string) string {
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	if flatten {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(outputFormat))
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) interceptResult(ctx context.Context, toolName string, raw json.RawMessage) (any, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("dispatcher: decode child result: %w", err)
	}
	out, err := d.interceptor.Intercept(ctx, toolName, decoded)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: intercept: %w", err)
	}
	return out, nil
}

// dispatchBulk runs a batch of sub-commands under a single lease: the
// entire sub-command list executes sequentially on the same child.
func (d *Dispatcher) dispatchBulk(ctx context.Context, poolName, instance string, args map[string]any) (any, error) {
	rawCommands, _ := args["commands"].([]any)
	stopOnError, _ := args["stopOnError"].(bool)

	commands := make([]BulkCommand, 0, len(rawCommands))
	for _, rc := range rawCommands {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		tool, _ := m["tool"].(string)
		subArgs, _ := m["args"].(map[string]any)
		if subArgs == nil {
			subArgs = map[string]any{}
		}
		commands = append(commands, BulkCommand{Tool: tool, Args: subArgs})
	}

	p, hint, err := d.registry.Resolve(poolName, instance)
	if err != nil {
		return nil, err
	}

	ch, release, err := p.Lease(ctx, hint.Instance)
	if err != nil {
		return nil, err
	}
	defer release()

	results := make([]BulkResult, 0, len(commands))
	var errs []string
	for _, cmd := range commands {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		raw, err := ch.Call(callCtx, cmd.Tool, cmd.Args)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cmd.Tool, err))
			results = append(results, BulkResult{Tool: cmd.Tool, Error: err.Error()})
			if stopOnError {
				logging.Op().Warn("bulk execution stopped on error", "tool", cmd.Tool, "error", err)
				break
			}
			continue
		}
		decoded, err := d.interceptResult(ctx, cmd.Tool, raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cmd.Tool, err))
			results = append(results, BulkResult{Tool: cmd.Tool, Error: err.Error()})
			if stopOnError {
				break
			}
			continue
		}
		results = append(results, BulkResult{Tool: cmd.Tool, Result: decoded})
	}

	return map[string]any{
		"results": results,
		"errors":  errs,
	}, nil
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// PoolStatus is the status-reporting tool's result (browser_pool_status).
func (d *Dispatcher) PoolStatus(poolName string) (pool.Status, error) {
	if poolName == "" {
		p, err := d.registry.DefaultPool()
		if err != nil {
			return pool.Status{}, err
		}
		return p.Status(), nil
	}
	p, err := d.registry.Pool(poolName)
	if err != nil {
		return pool.Status{}, err
	}
	return p.Status(), nil
}
