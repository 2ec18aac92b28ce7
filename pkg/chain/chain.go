// Package chain resolves what each event replies to and builds the
// adjacency map from parent key to children.
//
// KeyOf is the single point of truth for "what does X reply to". The chain
// builder and the root resolver both go through it, so they can never
// disagree.
package chain

import (
	"slices"

	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/order"
	"github.com/daviddao/threadweave/pkg/tags"
	"github.com/nbd-wtf/go-nostr"
)

// Map is the adjacency map: parent key to the events replying to it, in
// total order. A missing bucket means nothing known replies to that key.
type Map map[model.ChainKey][]*nostr.Event

// KeyOf returns the key ev replies to: the reply pointer if present, else
// the root pointer. ok is false when ev is a thread root.
func KeyOf(ev *nostr.Event) (model.ChainKey, bool) {
	info := tags.ParseThread(ev)
	switch {
	case info.ReplyTo != nil:
		return info.ReplyTo.Key(), true
	case info.Root != nil:
		return info.Root.Key(), true
	}
	return model.ChainKey{}, false
}

// OwnKeys returns every key under which other events can reference ev: its
// id and, for addressable kinds, its address.
func OwnKeys(ev *nostr.Event) []model.ChainKey {
	keys := []model.ChainKey{model.EventKey(ev.ID)}
	if addr, ok := model.AddressOf(ev); ok {
		keys = append(keys, addr.Key())
	}
	return keys
}

// Owns reports whether key names ev.
func Owns(ev *nostr.Event, key model.ChainKey) bool {
	switch key.Kind {
	case model.RefEvent:
		return ev.ID == key.Value
	case model.RefAddress:
		addr, ok := model.ParseAddress(key.Value)
		return ok && addr.Matches(ev)
	}
	return false
}

// Build derives the chain map from events. Events by authors for which
// isMuted returns true are left out. The result does not depend on the
// order of events, and duplicates are ignored.
func Build(events []*nostr.Event, isMuted func(pubkey string) bool) Map {
	m := make(Map)
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		if isMuted != nil && isMuted(ev.PubKey) {
			continue
		}
		key, ok := KeyOf(ev)
		if !ok || Owns(ev, key) {
			continue
		}
		m[key] = append(m[key], ev)
	}
	for _, bucket := range m {
		order.Sort(bucket)
	}
	return m
}

// ChildrenOf lists the immediate children recorded under key.
func (m Map) ChildrenOf(key model.ChainKey) []*nostr.Event {
	return slices.Clone(m[key])
}

// Children lists the immediate children of ev across all of its own keys.
func (m Map) Children(ev *nostr.Event) []*nostr.Event {
	keys := OwnKeys(ev)
	if len(keys) == 1 {
		return m.ChildrenOf(keys[0])
	}
	var out []*nostr.Event
	seen := make(map[string]struct{})
	for _, k := range keys {
		for _, child := range m[k] {
			if _, dup := seen[child.ID]; dup {
				continue
			}
			seen[child.ID] = struct{}{}
			out = append(out, child)
		}
	}
	order.Sort(out)
	return out
}

// Size returns the number of chained events.
func (m Map) Size() int {
	n := 0
	for _, bucket := range m {
		n += len(bucket)
	}
	return n
}

// Broken returns the keys that have children but are not owned by any of
// the known events: replies whose parent was never fetched. Keys are sorted
// by their string form.
func Broken(m Map, known []*nostr.Event) []model.ChainKey {
	owned := make(map[model.ChainKey]struct{}, len(known))
	for _, ev := range known {
		for _, k := range OwnKeys(ev) {
			owned[k] = struct{}{}
		}
	}
	var out []model.ChainKey
	for k := range m {
		if _, ok := owned[k]; !ok {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b model.ChainKey) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return out
}
