// Package doctree manipulates the JSON-shaped document trees behind the shared
// state stores. Paths are slash separated ("sessions/s1/participants/u1").
package doctree

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Split breaks a path into its non-empty segments.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Join is the inverse of Split.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Get walks the tree and returns the value stored at segs.
func Get(tree map[string]any, segs []string) (any, bool) {
	var cur any = tree
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge writes each field under the node at segs, creating intermediate nodes.
// Field keys may themselves be paths. A nil value deletes the field. Siblings
// of the written fields are left untouched.
func Merge(tree map[string]any, segs []string, fields map[string]any) {
	for key, value := range fields {
		full := append(append([]string{}, segs...), Split(key)...)
		if len(full) == 0 {
			continue
		}
		if value == nil {
			remove(tree, full)
			continue
		}
		parent := ensure(tree, full[:len(full)-1])
		parent[full[len(full)-1]] = value
	}
}

func ensure(tree map[string]any, segs []string) map[string]any {
	cur := tree
	for _, s := range segs {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
	return cur
}

func remove(tree map[string]any, segs []string) {
	cur := tree
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Normalize round-trips fields through JSON so every store hands out the same
// value shapes (numbers as float64, structs as maps). nil values are kept as
// deletions.
func Normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == nil {
			out[k] = nil
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("doctree: marshal %s: %w", k, err)
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("doctree: unmarshal %s: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

// Clone deep-copies maps and slices so callers cannot mutate stored state.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}
