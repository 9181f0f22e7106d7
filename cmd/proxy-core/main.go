// Command proxy-core wires together the pool registry, dispatcher, blob
// store, and snapshot cache described by the package docs under
// internal/, and exposes them over a minimal newline-delimited
// JSON-RPC stdio loop. Registering the ~45 individual playwright-mcp
// tool schemas and any HTTP transport are out of scope here (an outer
// MCP server layer is expected to own that); this binary is the core
// every such layer forwards calls into.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/pwproxy/internal/audit"
	"github.com/oriys/pwproxy/internal/blobstore"
	"github.com/oriys/pwproxy/internal/dispatcher"
	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/fleet"
	"github.com/oriys/pwproxy/internal/intercept"
	"github.com/oriys/pwproxy/internal/logging"
	"github.com/oriys/pwproxy/internal/metrics"
	"github.com/oriys/pwproxy/internal/observability"
	"github.com/oriys/pwproxy/internal/registry"
	"github.com/oriys/pwproxy/internal/snapshotcache"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "proxy-core",
		Short: "playwright-mcp proxy core",
		Long:  "Runs the proxy core: pool registry, dispatcher, blob store and snapshot cache, served over stdio.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logging.InitStructured(envOr("PW_MCP_PROXY_LOG_FORMAT", "text"), envOr("PW_MCP_PROXY_LOG_LEVEL", "info"))

	ct, err := registry.Load(os.Environ())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     envOr("PW_MCP_PROXY_TRACING_ENABLED", "") == "true",
		Exporter:    envOr("PW_MCP_PROXY_TRACING_EXPORTER", "stdout"),
		Endpoint:    envOr("PW_MCP_PROXY_TRACING_ENDPOINT", ""),
		ServiceName: "pwproxy",
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(ctx)

	collectors := metrics.NewCollectors("pwproxy")

	var auditSink audit.Sink = audit.Noop{}
	if dsn := os.Getenv("PW_MCP_PROXY_AUDIT_POSTGRES_DSN"); dsn != "" {
		pg, err := audit.NewPostgresSink(ctx, dsn)
		if err != nil {
			return fmt.Errorf("init audit sink: %w", err)
		}
		defer pg.Close()
		auditSink = pg
	}

	var archiver blobstore.Archiver = blobstore.NoopArchiver{}
	if bucket := os.Getenv("PW_MCP_PROXY_BLOB_ARCHIVE_BUCKET"); bucket != "" {
		s3a, err := blobstore.NewS3Archiver(ctx, blobstore.S3ArchiverConfig{
			Bucket:   bucket,
			Prefix:   os.Getenv("PW_MCP_PROXY_BLOB_ARCHIVE_PREFIX"),
			Endpoint: os.Getenv("PW_MCP_PROXY_BLOB_ARCHIVE_ENDPOINT"),
			Region:   envOr("PW_MCP_PROXY_BLOB_ARCHIVE_REGION", "us-east-1"),
		})
		if err != nil {
			return fmt.Errorf("init blob archiver: %w", err)
		}
		archiver = s3a
	}

	store, err := blobstore.New(blobstore.Config{
		RootDir:              ct.BlobStorageRoot,
		MaxBytesPerBlob:      int64(ct.BlobMaxSizeMB) * 1024 * 1024,
		InlineThresholdBytes: ct.BlobSizeThresholdKB * 1024,
		TTL:                  time.Duration(ct.BlobTTLHours) * time.Hour,
		SweepInterval:        time.Duration(ct.BlobCleanupIntervalMinutes) * time.Minute,
		ArchiveTags:          []string{"retain"},
		Archiver:             archiver,
		Metrics:              collectors,
	})
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	defer store.Close()

	cache := snapshotcache.New(snapshotcache.Config{Metrics: collectors})
	defer cache.Close()

	reg, err := fleet.New(ctx, ct, fleet.Config{Metrics: collectors, Audit: auditSink})
	if err != nil {
		return fmt.Errorf("init fleet: %w", err)
	}
	defer reg.Shutdown(5 * time.Second)

	disp := dispatcher.New(dispatcher.Config{
		Registry:      reg,
		SnapshotCache: cache,
		Interceptor:   intercept.New(intercept.Config{Store: store, InlineThresholdBytes: ct.BlobSizeThresholdKB * 1024}),
		Metrics:       collectors,
	})

	logging.Op().Info("pwproxy core ready", "pools", reg.PoolNames())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveDone := make(chan error, 1)
	go func() { serveDone <- serveStdio(ctx, disp) }()

	select {
	case <-sigCh:
		logging.Op().Info("shutdown signal received")
	case err := <-serveDone:
		if err != nil {
			logging.Op().Error("stdio loop exited", "error", err)
		}
	}
	return nil
}

// rpcRequest/rpcResponse mirror the JSON-RPC 2.0 envelope internal/child
// speaks with playwright-mcp, so an outer layer forwarding tool calls
// one-for-one through this binary's stdio sees the same wire shape.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.Number     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      json.Number `json:"id"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// serveStdio reads newline-delimited JSON-RPC requests from stdin,
// dispatches each through disp, and writes one response line per
// request to stdout. One request is handled at a time, matching the
// single-client stdio contract of the tools this binary fronts.
func serveStdio(ctx context.Context, disp *dispatcher.Dispatcher) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			logging.Op().Warn("discarding malformed stdio request", "error", err)
			continue
		}

		var args map[string]any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &args); err != nil {
				args = map[string]any{}
			}
		}
		if args == nil {
			args = map[string]any{}
		}

		if req.Method == "browser_pool_status" {
			poolName, _ := args["pool_name"].(string)
			st, err := disp.PoolStatus(poolName)
			writeResponse(enc, req.ID, st, err)
			continue
		}

		result, err := disp.Dispatch(ctx, req.Method, args)
		writeResponse(enc, req.ID, result, err)
	}
	return scanner.Err()
}

func writeResponse(enc *json.Encoder, id json.Number, result any, err error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: errorCode(err), Message: err.Error()}
	} else {
		resp.Result = result
	}
	if encErr := enc.Encode(resp); encErr != nil {
		logging.Op().Error("failed to write stdio response", "error", encErr)
	}
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, errkind.ErrNotFound):
		return -32601
	case errors.Is(err, errkind.ErrTimeout):
		return -32000
	case errors.Is(err, errkind.ErrShuttingDown), errors.Is(err, errkind.ErrPoolExhausted):
		return -32001
	default:
		return -32603
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
