// Package capability implements typed capability sets and the matching
// rule used to select agents for task roles.
package capability

import (
	"fmt"
	"sort"
)

// Set maps a capability key to the set of values declared for it.
// Values are always sets; scalar declarations are coerced to singleton
// sets once, at construction, and never re-coerced afterwards.
type Set map[string]map[string]struct{}

// FromAny builds a Set from loosely-typed input, as found in YAML
// config or JSON request bodies. Scalars become singleton sets, lists
// become sets. Unsupported value types are an error.
func FromAny(in map[string]any) (Set, error) {
	s := make(Set, len(in))
	for key, raw := range in {
		vals := make(map[string]struct{})
		switch v := raw.(type) {
		case string:
			vals[v] = struct{}{}
		case bool:
			vals[fmt.Sprintf("%v", v)] = struct{}{}
		case int, int64, float64:
			vals[fmt.Sprintf("%v", v)] = struct{}{}
		case []string:
			for _, e := range v {
				vals[e] = struct{}{}
			}
		case []any:
			for _, e := range v {
				es, ok := e.(string)
				if !ok {
					es = fmt.Sprintf("%v", e)
				}
				vals[es] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("capability %q: unsupported value type %T", key, raw)
		}
		s[key] = vals
	}
	return s, nil
}

// FromStrings builds a Set from key to value-list pairs, the common
// case for statically declared agents.
func FromStrings(in map[string][]string) Set {
	s := make(Set, len(in))
	for key, list := range in {
		vals := make(map[string]struct{}, len(list))
		for _, v := range list {
			vals[v] = struct{}{}
		}
		s[key] = vals
	}
	return s
}

// Clone returns a deep copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for key, vals := range s {
		cp := make(map[string]struct{}, len(vals))
		for v := range vals {
			cp[v] = struct{}{}
		}
		out[key] = cp
	}
	return out
}

// Merge folds other into s. Keys already present are unioned with the
// incoming values, never overwritten.
func (s Set) Merge(other Set) {
	for key, vals := range other {
		if _, ok := s[key]; !ok {
			s[key] = make(map[string]struct{}, len(vals))
		}
		for v := range vals {
			s[key][v] = struct{}{}
		}
	}
}

// Has reports whether key declares value.
func (s Set) Has(key, value string) bool {
	vals, ok := s[key]
	if !ok {
		return false
	}
	_, ok = vals[value]
	return ok
}

// Matches reports whether s satisfies the requirement req. An empty
// requirement matches everything. Per key: the key must be present on
// s and the two value-sets must intersect.
func (s Set) Matches(req Set) bool {
	for key, want := range req {
		have, ok := s[key]
		if !ok {
			return false
		}
		if !intersects(have, want) {
			return false
		}
	}
	return true
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for v := range a {
		if _, ok := b[v]; ok {
			return true
		}
	}
	return false
}

// Values returns the sorted values declared for key.
func (s Set) Values(key string) []string {
	vals, ok := s[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for v := range vals {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ToLists converts the Set to a plain map for serialization.
func (s Set) ToLists() map[string][]string {
	out := make(map[string][]string, len(s))
	for key := range s {
		out[key] = s.Values(key)
	}
	return out
}
