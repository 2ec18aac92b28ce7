// Package root finds the display root of a thread view.
//
// The display root is the event the view is anchored on: the current event
// itself when it starts a thread, otherwise the event it replies to. When
// that parent is missing (never fetched, or never will be) the resolver
// degrades in layers instead of failing:
//
//  1. look the current event up by id or address
//  2. follow its chain key to the parent, by address triple or by id
//  3. scan the true roots and pick the first whose subtree contains the
//     current event
//  4. treat the current event as a pseudo-root
//
// Competing candidates are ordered by createdAt, then id. Muted authors are
// never returned.
package root

import (
	"github.com/daviddao/threadweave/pkg/chain"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/order"
	"github.com/daviddao/threadweave/pkg/tags"
	"github.com/nbd-wtf/go-nostr"
)

// Resolver answers root and ancestry questions over one snapshot of the
// known event set.
type Resolver struct {
	chains chain.Map
	byID   map[string]*nostr.Event
	byAddr map[string][]*nostr.Event
	roots  []*nostr.Event
	size   int
}

// New indexes known for lookups. Events by muted authors are left out.
func New(chains chain.Map, known []*nostr.Event, isMuted func(pubkey string) bool) *Resolver {
	r := &Resolver{
		chains: chains,
		byID:   make(map[string]*nostr.Event, len(known)),
		byAddr: make(map[string][]*nostr.Event),
	}
	for _, ev := range known {
		if ev == nil {
			continue
		}
		if isMuted != nil && isMuted(ev.PubKey) {
			continue
		}
		if _, dup := r.byID[ev.ID]; dup {
			continue
		}
		r.byID[ev.ID] = ev
		if addr, ok := model.AddressOf(ev); ok {
			r.byAddr[addr.String()] = append(r.byAddr[addr.String()], ev)
		}
		if tags.ParseThread(ev).IsRoot() {
			r.roots = append(r.roots, ev)
		}
	}
	order.Sort(r.roots)
	r.size = len(r.byID)
	return r
}

// Resolve is a one-shot helper around New and Resolver.Resolve.
func Resolve(current model.ChainKey, chains chain.Map, known []*nostr.Event, isMuted func(string) bool) *nostr.Event {
	return New(chains, known, isMuted).Resolve(current)
}

// Lookup returns the known event named by key. Several versions of an
// addressed event resolve to the earliest one.
func (r *Resolver) Lookup(key model.ChainKey) *nostr.Event {
	switch key.Kind {
	case model.RefEvent:
		return r.byID[key.Value]
	case model.RefAddress:
		addr, ok := model.ParseAddress(key.Value)
		if !ok {
			return nil
		}
		return order.Earliest(r.byAddr[addr.String()])
	}
	return nil
}

// Resolve returns the display root for the event named by current, or nil
// when that event is not known yet. An identifier key (i:) names an
// external resource rather than an event, so it always resolves to nil;
// events hanging off it are reached through the chain map instead.
func (r *Resolver) Resolve(current model.ChainKey) *nostr.Event {
	ev := r.Lookup(current)
	if ev == nil {
		return nil
	}
	key, ok := chain.KeyOf(ev)
	if !ok {
		return ev
	}
	if parent := r.Lookup(key); parent != nil {
		return parent
	}
	for _, candidate := range r.roots {
		if candidate.ID != ev.ID && r.SubtreeContains(candidate, ev.ID) {
			return candidate
		}
	}
	return ev
}

// Parent returns the key ev replies to, used for "back to parent"
// navigation.
func (r *Resolver) Parent(ev *nostr.Event) (model.ChainKey, bool) {
	if ev == nil {
		return model.ChainKey{}, false
	}
	return chain.KeyOf(ev)
}

// SubtreeContains reports whether the event with id is a descendant of
// from in the chain map. Each event is visited at most once.
func (r *Resolver) SubtreeContains(from *nostr.Event, id string) bool {
	visited := map[string]struct{}{from.ID: {}}
	queue := []*nostr.Event{from}
	for len(queue) > 0 && len(visited) <= r.size+1 {
		head := queue[0]
		queue = queue[1:]
		for _, child := range r.chains.Children(head) {
			if child.ID == id {
				return true
			}
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			queue = append(queue, child)
		}
	}
	return false
}

// TopAncestor follows parent pointers from current to the topmost known
// ancestor. On a reference cycle it returns the earliest event on the
// cycle, so every member of the cycle yields the same answer.
func (r *Resolver) TopAncestor(current model.ChainKey) *nostr.Event {
	ev := r.Lookup(current)
	if ev == nil {
		return nil
	}
	index := map[string]int{ev.ID: 0}
	path := []*nostr.Event{ev}
	for steps := 0; steps <= r.size; steps++ {
		key, ok := chain.KeyOf(ev)
		if !ok {
			return ev
		}
		parent := r.Lookup(key)
		if parent == nil {
			return ev
		}
		if at, seen := index[parent.ID]; seen {
			return order.Earliest(path[at:])
		}
		index[parent.ID] = len(path)
		path = append(path, parent)
		ev = parent
	}
	return ev
}
