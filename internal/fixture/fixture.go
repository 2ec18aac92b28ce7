// Package fixture builds nostr events for tests.
package fixture

import (
	"fmt"

	"github.com/daviddao/threadweave/pkg/model"
	"github.com/nbd-wtf/go-nostr"
)

// ID returns a deterministic 32-byte hex id for n.
func ID(n int) string { return fmt.Sprintf("%064x", n) }

// PK returns a deterministic 32-byte hex pubkey for n, distinct from ID(n).
func PK(n int) string { return fmt.Sprintf("%064x", 1_000_000+n) }

// Note returns a kind-1 event.
func Note(id, author int, ts int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        ID(id),
		PubKey:    PK(author),
		CreatedAt: nostr.Timestamp(ts),
		Kind:      model.KindTextNote,
		Tags:      tags,
		Content:   fmt.Sprintf("note %d", id),
	}
}

// Reply returns a kind-1 note with a single unmarked e tag pointing at
// parent, so its chain key is the parent id.
func Reply(id, author int, ts int64, parent int) *nostr.Event {
	return Note(id, author, ts, nostr.Tag{"e", ID(parent)})
}

// Marked returns a kind-1 note with NIP-10 root and reply markers.
func Marked(id, author int, ts int64, root, reply int) *nostr.Event {
	return Note(id, author, ts,
		nostr.Tag{"e", ID(root), "", "root"},
		nostr.Tag{"e", ID(reply), "", "reply"},
	)
}

// Article returns a long-form event addressed by (30023, PK(author), d).
func Article(id, author int, ts int64, d string) *nostr.Event {
	return &nostr.Event{
		ID:        ID(id),
		PubKey:    PK(author),
		CreatedAt: nostr.Timestamp(ts),
		Kind:      model.KindLongForm,
		Tags:      nostr.Tags{{"d", d}},
	}
}

// ArticleAddress returns the address string of Article(_, author, _, d).
func ArticleAddress(author int, d string) string {
	return fmt.Sprintf("%d:%s:%s", model.KindLongForm, PK(author), d)
}

// Reaction returns a kind-7 reaction to target.
func Reaction(id, author int, ts int64, target int) *nostr.Event {
	return &nostr.Event{
		ID:        ID(id),
		PubKey:    PK(author),
		CreatedAt: nostr.Timestamp(ts),
		Kind:      model.KindReaction,
		Tags:      nostr.Tags{{"e", ID(target)}},
		Content:   "+",
	}
}

// IDs returns the ids of events in order.
func IDs(events []*nostr.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}
