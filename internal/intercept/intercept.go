// Package intercept walks a tool-call result tree and replaces oversize
// binary fields with blob store references, so large screenshots/PDFs
// never round-trip through the JSON-RPC/MCP transport as inline base64.
package intercept

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/oriys/pwproxy/internal/blobstore"
)

// ForcedTools is the set of tool names whose results are also scanned by
// field name (see binaryFieldNames), because they are known to return
// binary payloads. The inline threshold applies to them as to any other
// tool.
var ForcedTools = map[string]struct{}{
	"browser_screenshot":    {},
	"browser_pdf":           {},
	"browser_save_as_pdf":   {},
	"browser_take_snapshot": {},
}

// binaryFieldNames are field names treated as binary-bearing regardless
// of whether their value looks like base64, when the tool is in
// ForcedTools.
var binaryFieldNames = map[string]struct{}{
	"screenshot": {}, "pdf": {}, "image": {}, "data": {}, "bytes": {}, "file": {},
}

const defaultMime = "application/octet-stream"

// Store is the subset of *blobstore.Store the interceptor needs.
type Store interface {
	Put(ctx context.Context, data []byte, mime string, tags []string) (blobstore.BlobRef, error)
}

// Interceptor rewrites oversize binary fields in a tool result into blob
// references. It holds no per-call state: Intercept is idempotent and
// safe for concurrent use.
type Interceptor struct {
	store                Store
	inlineThresholdBytes int
}

// Config configures an Interceptor.
type Config struct {
	Store                Store
	InlineThresholdBytes int
}

// New creates an Interceptor. A zero InlineThresholdBytes uses
// blobstore.DefaultInlineThresholdBytes.
func New(cfg Config) *Interceptor {
	threshold := cfg.InlineThresholdBytes
	if threshold <= 0 {
		threshold = blobstore.DefaultInlineThresholdBytes
	}
	return &Interceptor{store: cfg.Store, inlineThresholdBytes: threshold}
}

// Intercept walks result (the decoded JSON value: map[string]any,
// []any, or a scalar) and returns a new tree with oversize binary
// fields replaced by BlobRef strings plus sibling metadata fields. The
// input is never mutated.
func (ic *Interceptor) Intercept(ctx context.Context, toolName string, result any) (any, error) {
	_, forced := ForcedTools[toolName]
	return ic.walk(ctx, toolName, "", result, forced)
}

func (ic *Interceptor) walk(ctx context.Context, toolName, fieldName string, v any, forced bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return ic.walkMap(ctx, toolName, val, forced)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rewritten, err := ic.walk(ctx, toolName, fieldName, elem, forced)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	case string:
		return val, nil // strings directly inside an array have no field name and are returned unchanged
	default:
		return v, nil
	}
}

func (ic *Interceptor) walkMap(ctx context.Context, toolName string, m map[string]any, forced bool) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isBlobRefString(v) {
			// Never recurse into BlobRefs already present (rule 4).
			out[k] = v
			continue
		}

		switch val := v.(type) {
		case string:
			rewritten, err := ic.maybeIntercept(ctx, toolName, k, val, forced)
			if err != nil {
				return nil, err
			}
			for kk, vv := range rewritten {
				out[kk] = vv
			}
		case map[string]any:
			nested, err := ic.walkMap(ctx, toolName, val, forced)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		case []any:
			nested, err := ic.walk(ctx, toolName, k, val, forced)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// maybeIntercept decides whether field k with string value val should be
// replaced, and if so returns the replacement field set (the rewritten
// field plus its three siblings). If not replaced, returns {k: val}.
func (ic *Interceptor) maybeIntercept(ctx context.Context, toolName, k, val string, forced bool) (map[string]any, error) {
	data, mime, ok := decodeBinaryCandidate(val)
	if !ok && forced {
		if _, nameMatches := binaryFieldNames[k]; nameMatches {
			if decoded, err := base64.StdEncoding.DecodeString(val); err == nil {
				data, ok = decoded, true
			}
		}
	}

	if !ok {
		return map[string]any{k: val}, nil
	}
	if len(data) <= ic.inlineThresholdBytes {
		return map[string]any{k: val}, nil
	}
	if mime == "" {
		mime = defaultMime
	}

	ref, err := ic.store.Put(ctx, data, mime, []string{toolName})
	if err != nil {
		return nil, fmt.Errorf("intercept: put blob for field %q: %w", k, err)
	}

	return map[string]any{
		k:                    ref.String(),
		k + "_size_kb":       float64(ref.SizeBytes) / 1024.0,
		k + "_mime_type":     ref.MimeType,
		k + "_expires_at":    ref.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// decodeBinaryCandidate reports whether val looks like raw base64 or a
// data: URI, and if so returns its decoded bytes and mime type (empty
// mime for raw base64 with no declared type).
func decodeBinaryCandidate(val string) (data []byte, mime string, ok bool) {
	if strings.HasPrefix(val, "data:") {
		rest := val[len("data:"):]
		comma := strings.IndexByte(rest, ',')
		if comma < 0 {
			return nil, "", false
		}
		header := rest[:comma]
		payload := rest[comma+1:]
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", false
		}
		mime = strings.TrimSuffix(header, ";base64")
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", false
		}
		return decoded, mime, true
	}

	if looksLikeBase64(val) {
		decoded, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, "", false
		}
		return decoded, "", true
	}

	return nil, "", false
}

// looksLikeBase64 applies a cheap heuristic: long enough to matter,
// charset-restricted to the standard base64 alphabet plus padding, and a
// valid-length multiple of 4.
func looksLikeBase64(s string) bool {
	if len(s) < 64 || len(s)%4 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/', r == '=':
			continue
		default:
			return false
		}
	}
	return true
}

// isBlobRefString reports whether v is a string already in blob://...
// form, so intercept never recurses into it.
func isBlobRefString(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, "blob://")
}
