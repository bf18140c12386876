// Package domain holds the lineage entities persisted by the metadata store:
// contexts (pipelines and stages), executions, artifacts and the edges
// between them.
package domain

import (
	"sort"
	"strings"
)

// Metadata is a free-form property bag attached to every node. Values are
// scalars (string, int64, float64, bool).
type Metadata map[string]any

// Clone returns a shallow copy; a nil receiver yields an empty bag.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergeProperty merges a new value for key into the bag with element-set
// semantics: string values accumulate as a comma-separated set, so merging
// the same value twice never duplicates it. Non-string scalars overwrite.
func (m Metadata) MergeProperty(key string, value any) {
	old, ok := m[key]
	if !ok {
		m[key] = value
		return
	}
	oldStr, oldIsStr := old.(string)
	newStr, newIsStr := value.(string)
	if !oldIsStr || !newIsStr {
		m[key] = value
		return
	}
	m[key] = unionJoin(oldStr, newStr)
}

// MergeAll merges every entry of src into m with MergeProperty semantics.
func (m Metadata) MergeAll(src Metadata) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.MergeProperty(k, src[k])
	}
}

// String returns the value for key as a string, or "" when absent or not
// a string.
func (m Metadata) String(key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// unionJoin treats both arguments as comma-separated sets and returns their
// union, preserving first-seen order.
func unionJoin(a, b string) string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	for _, part := range strings.Split(a+","+b, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return strings.Join(out, ",")
}

// SplitSet splits a comma-joined set value into its elements.
func SplitSet(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnionSet returns the set-union of two comma-joined sets.
func UnionSet(a, b string) string {
	return unionJoin(a, b)
}
