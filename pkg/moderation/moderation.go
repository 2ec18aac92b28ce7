// Package moderation decides which authors a thread view hides.
package moderation

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Muter reports whether an author is muted.
type Muter interface {
	IsMuted(pubkey string) bool
}

// MuteStore is the persistence List loads from and writes through to.
type MuteStore interface {
	Mute(pubkey string) error
	Unmute(pubkey string) error
}

// None mutes nobody.
var None Muter = noneMuter{}

type noneMuter struct{}

func (noneMuter) IsMuted(string) bool { return false }

// List is an in-memory mute set, optionally backed by a MuteStore. It is
// safe for concurrent use.
type List struct {
	mu      sync.RWMutex
	pubkeys map[string]struct{}
	backing MuteStore
}

// NewList returns a list seeded with pubkeys. backing may be nil.
func NewList(backing MuteStore, pubkeys ...string) *List {
	l := &List{pubkeys: make(map[string]struct{}, len(pubkeys)), backing: backing}
	for _, pk := range pubkeys {
		l.pubkeys[pk] = struct{}{}
	}
	return l
}

// IsMuted implements Muter.
func (l *List) IsMuted(pubkey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pubkeys[pubkey]
	return ok
}

// Mute adds pubkey, persisting it first when the list is backed.
func (l *List) Mute(pubkey string) error {
	if !nostr.IsValid32ByteHex(pubkey) {
		return fmt.Errorf("mute: invalid pubkey %q", pubkey)
	}
	if l.backing != nil {
		if err := l.backing.Mute(pubkey); err != nil {
			return fmt.Errorf("mute %s: %w", pubkey, err)
		}
	}
	l.mu.Lock()
	l.pubkeys[pubkey] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Unmute removes pubkey, persisting the change first when the list is
// backed.
func (l *List) Unmute(pubkey string) error {
	if l.backing != nil {
		if err := l.backing.Unmute(pubkey); err != nil {
			return fmt.Errorf("unmute %s: %w", pubkey, err)
		}
	}
	l.mu.Lock()
	delete(l.pubkeys, pubkey)
	l.mu.Unlock()
	return nil
}

// PubKeys returns the muted pubkeys, sorted.
func (l *List) PubKeys() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.pubkeys))
	for pk := range l.pubkeys {
		out = append(out, pk)
	}
	l.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Func adapts m to the predicate form chain.Build and root.New take.
func Func(m Muter) func(string) bool {
	if m == nil {
		m = None
	}
	return m.IsMuted
}
