// Package dpath looks values up in decoded JSON documents by path.
//
// A path is a list of segments. A segment names a map key or, for lists, an
// element index. The segment "*" matches every key of a map or every element of a
// list and is only honoured by Values.
package dpath

import (
	"sort"
	"strconv"
	"strings"
)

// Wildcard matches every child of a map or list.
const Wildcard = "*"

// Split turns a dot-separated path into segments. The empty string is the root.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// HasWildcard reports whether any segment is the wildcard.
func HasWildcard(path []string) bool {
	for _, seg := range path {
		if seg == Wildcard {
			return true
		}
	}
	return false
}

// Get walks path directly and reports whether it resolved.
func Get(doc any, path []string) (any, bool) {
	current := doc
	for _, seg := range path {
		next, ok := child(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Values collects every value matched by path, expanding wildcard segments.
// Map keys are visited in sorted order so results are deterministic.
func Values(doc any, path []string) []any {
	var out []any
	collect(doc, path, &out)
	return out
}

func collect(node any, path []string, out *[]any) {
	if len(path) == 0 {
		*out = append(*out, node)
		return
	}
	seg, rest := path[0], path[1:]
	if seg != Wildcard {
		if next, ok := child(node, seg); ok {
			collect(next, rest, out)
		}
		return
	}
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(v[k], rest, out)
		}
	case []any:
		for _, item := range v {
			collect(item, rest, out)
		}
	}
}

func child(node any, seg string) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		next, ok := v[seg]
		return next, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	default:
		return nil, false
	}
}
