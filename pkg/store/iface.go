// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The CLI and the
// moderation list depend on StoreInterface rather than *Store, so tests can
// swap in a fake.
package store

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// StoreInterface defines the full set of store operations.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Events ---

	// SaveEvent stores an event. Returns false if it was already cached.
	SaveEvent(ev *nostr.Event) (bool, error)

	// SaveEvents stores events and returns how many were new.
	SaveEvents(events []*nostr.Event) (int, error)

	// GetEvent returns the cached event with id, or ErrNotFound.
	GetEvent(id string) (*nostr.Event, error)

	// ListEvents returns the newest cached events, oldest first.
	ListEvents(kinds []int, limit int) ([]*nostr.Event, error)

	// ListEventsSinceSeq returns events stored after seq.
	ListEventsSinceSeq(seq int64, limit int) ([]*nostr.Event, int64, error)

	// MaxSeq returns the highest event sequence number, or 0 if empty.
	MaxSeq() int64

	// CountEvents returns the total number of cached events.
	CountEvents() int64

	// CountByKind returns the number of cached events per kind.
	CountByKind() (map[int]int64, error)

	// QueryEvents returns the cached events matching a filter.
	QueryEvents(f nostr.Filter) ([]*nostr.Event, error)

	// Query streams events matching filters (feed.Source).
	Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error)

	// --- Mutes ---

	// Mute adds a pubkey to the mute list.
	Mute(pubkey string) error

	// Unmute removes a pubkey from the mute list.
	Unmute(pubkey string) error

	// ListMutes returns the mute list.
	ListMutes() ([]Mute, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
