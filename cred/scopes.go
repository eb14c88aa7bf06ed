package cred

import (
	"sort"
	"strings"
)

// ScopeSet is a canonicalized set of capability strings requested for a
// token. Construction through NewScopeSet deduplicates and sorts the scopes,
// so two sets with the same members always produce the same cache key
// regardless of input order.
type ScopeSet []string

// NewScopeSet builds a canonical ScopeSet from raw scope strings.
func NewScopeSet(scopes ...string) ScopeSet {
	seen := make(map[string]struct{}, len(scopes))
	out := make(ScopeSet, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Key returns the canonical string form used in cache keys.
func (s ScopeSet) Key() string {
	return strings.Join(s, " ")
}

// Equal reports whether two scope sets contain the same members.
func (s ScopeSet) Equal(other ScopeSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s ScopeSet) String() string {
	return s.Key()
}
