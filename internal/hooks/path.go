// Package hooks evaluates target hook rules against webhook payloads.
//
// A hook is a path expression paired with an expected value. Paths address
// nested objects with dots and sequences with numeric segments, so
// "commits.0.author.name" and `commits[0]["author"].name` resolve the same
// value. Absence is a normal negative result, never an error.
package hooks

import (
	"reflect"
	"strconv"
	"strings"
)

// Lookup resolves path inside obj. The boolean is false when any segment is
// missing or the path is malformed.
func Lookup(obj any, path string) (any, bool) {
	// A top-level key spelled exactly like the path wins over traversal.
	if m, ok := obj.(map[string]any); ok {
		if v, ok := m[path]; ok {
			return v, true
		}
	}
	segments, ok := splitPath(path)
	if !ok {
		return nil, false
	}
	current := obj
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// ExistsAndEquals reports whether path resolves in obj to a value equal to
// expected. Values of different dynamic types never compare equal.
func ExistsAndEquals(obj any, path string, expected any) bool {
	actual, ok := Lookup(obj, path)
	if !ok {
		return false
	}
	return equal(actual, expected)
}

func step(current any, seg string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		v, ok := node[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	default:
		return nil, false
	}
}

func equal(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.TypeOf(actual) != reflect.TypeOf(expected) {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// splitPath turns `a.b[0]["c.d"]` into [a b 0 c.d].
func splitPath(path string) ([]string, bool) {
	if path == "" {
		return nil, false
	}
	var (
		segments []string
		current  strings.Builder
		pending  bool
	)
	flush := func() bool {
		if !pending {
			return false
		}
		segments = append(segments, current.String())
		current.Reset()
		pending = false
		return true
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			if !flush() {
				// "a..b", ".a" and "a[0]." style inputs are rejected, but a
				// dot right after a bracket segment is the normal separator.
				if i == 0 || path[i-1] != ']' || i == len(path)-1 {
					return nil, false
				}
			} else if i == len(path)-1 {
				return nil, false
			}
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, false
			}
			inner := path[i+1 : i+end]
			seg, ok := bracketSegment(inner)
			if !ok {
				return nil, false
			}
			segments = append(segments, seg)
			i += end
			if i+1 < len(path) && path[i+1] != '.' && path[i+1] != '[' {
				return nil, false
			}
		default:
			current.WriteByte(c)
			pending = true
		}
	}
	flush()
	return segments, len(segments) > 0
}

func bracketSegment(inner string) (string, bool) {
	if len(inner) >= 2 {
		q := inner[0]
		if (q == '"' || q == '\'') && inner[len(inner)-1] == q {
			return inner[1 : len(inner)-1], true
		}
	}
	if _, err := strconv.Atoi(inner); err != nil {
		return "", false
	}
	return inner, true
}
