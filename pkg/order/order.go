// Package order defines the deterministic total order over events.
//
// Relays deliver events in no particular order and createdAt is chosen by
// the author, so it can collide or lie. Whenever the engine has to pick one
// of several candidates (sibling order inside a chain bucket, competing
// roots, several versions of an addressed event) it uses this order:
//
//	createdAt ascending, then id ascending (lexicographic)
//
// Every participant computes the same order from the same set, which is
// what makes chain building commutative.
package order

import (
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// TotalOrderLess reports whether (tsA, idA) sorts before (tsB, idB).
func TotalOrderLess(tsA nostr.Timestamp, idA string, tsB nostr.Timestamp, idB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return idA < idB
}

// Less reports whether a sorts before b.
func Less(a, b *nostr.Event) bool {
	return TotalOrderLess(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

// Compare is Less in cmp form for slices.SortFunc.
func Compare(a, b *nostr.Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

// Sort orders events in place.
func Sort(events []*nostr.Event) {
	slices.SortFunc(events, Compare)
}

// Earliest returns the first event in total order, or nil for an empty slice.
func Earliest(events []*nostr.Event) *nostr.Event {
	var best *nostr.Event
	for _, ev := range events {
		if best == nil || Less(ev, best) {
			best = ev
		}
	}
	return best
}
