package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// QueryEngine applies a post-processing query (and optional flatten) to
// a raw ARIA snapshot payload, returning an ordered sequence of
// serialized page strings of size at most pageSize. A real JMESPath/
// ARIA query engine is an external collaborator, not built here —
// QueryEngine is the seam a full deployment wires one in through. The
// default engine below is a minimal stand-in good enough to exercise
// pagination end to end.
type QueryEngine interface {
	Apply(ctx context.Context, raw json.RawMessage, query string, flatten bool, pageSize int) ([]string, error)
}

// lineQueryEngine treats the raw payload as newline-delimited text
// (flattening nested JSON into one line per leaf when flatten is set),
// optionally filters lines containing query as a substring, and slices
// the result into pageSize-line pages.
type lineQueryEngine struct{}

// DefaultQueryEngine is used when a Dispatcher is constructed without
// one.
var DefaultQueryEngine QueryEngine = lineQueryEngine{}

func (lineQueryEngine) Apply(_ context.Context, raw json.RawMessage, query string, flatten bool, pageSize int) ([]string, error) {
	lines, err := toLines(raw, flatten)
	if err != nil {
		return nil, err
	}
	if query != "" {
		filtered := lines[:0]
		for _, l := range lines {
			if strings.Contains(l, query) {
				filtered = append(filtered, l)
			}
		}
		lines = filtered
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	pages := make([]string, 0, (len(lines)+pageSize-1)/pageSize)
	for i := 0; i < len(lines); i += pageSize {
		end := i + pageSize
		if end > len(lines) {
			end = len(lines)
		}
		pages = append(pages, strings.Join(lines[i:end], "\n"))
	}
	if len(pages) == 0 {
		pages = []string{""}
	}
	return pages, nil
}

// toLines renders raw as either its pretty-printed JSON split on
// newlines (flatten=false) or one line per leaf value discovered by a
// depth-first walk (flatten=true).
func toLines(raw json.RawMessage, flatten bool) ([]string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if !flatten {
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return strings.Split(string(pretty), "\n"), nil
	}
	var lines []string
	flattenInto(v, "", &lines)
	return lines, nil
}

func flattenInto(v any, path string, out *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			p := k
			if path != "" {
				p = path + "." + k
			}
			flattenInto(child, p, out)
		}
	case []any:
		for i, child := range val {
			flattenInto(child, arrayPath(path, i), out)
		}
	default:
		b, err := json.Marshal(val)
		if err != nil {
			*out = append(*out, path+"=<unmarshalable>")
			return
		}
		*out = append(*out, path+"="+string(b))
	}
}

func arrayPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
