// Package frontier tracks the fixed point of incremental thread fetching.
//
// The tracked set only ever grows. Every batch of events names some keys
// (ids, addresses, identifiers); the frontier is the subset of those keys
// that is not tracked yet. Fetching is complete when a batch produces an
// empty frontier. Because the tracked set is monotone and any real event
// graph is finite, the frontier eventually empties.
package frontier

import (
	"slices"
	"sync"
)

// Set is a monotonically growing set of keys, safe for concurrent use.
type Set struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewSet returns a set seeded with keys.
func NewSet(seed ...string) *Set {
	s := &Set{keys: make(map[string]struct{}, len(seed))}
	s.Add(seed...)
	return s
}

// Add inserts keys and returns how many were new. Empty keys are ignored.
func (s *Set) Add(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.keys[k]; ok {
			continue
		}
		s.keys[k] = struct{}{}
		added++
	}
	return added
}

// Has reports whether k is in the set.
func (s *Set) Has(k string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[k]
	return ok
}

// Len returns the number of keys.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns the keys in sorted order.
func (s *Set) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Compute returns the keys in referenced that tracked does not hold yet,
// deduplicated and sorted.
func Compute(referenced []string, tracked *Set) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range referenced {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if tracked != nil && tracked.Has(k) {
			continue
		}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Status is the result of a convergence check.
type Status struct {
	Converged bool     `json:"converged"`
	Frontier  []string `json:"frontier,omitempty"`
	Tracked   int      `json:"tracked"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ComputeStatus checks whether fetching has reached its fixed point given
// the keys still pending.
func ComputeStatus(pending []string, tracked *Set, truncated bool) Status {
	f := Compute(pending, tracked)
	st := Status{
		Converged: len(f) == 0,
		Frontier:  f,
		Truncated: truncated,
	}
	if tracked != nil {
		st.Tracked = tracked.Len()
	}
	return st
}
