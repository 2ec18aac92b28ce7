// Package model defines the core domain types for threadweave.
//
// Threadweave reconstructs conversation trees from nostr events fetched from
// many untrusting relays. Two ideas carry the design:
//
//   - References: every parent pointer lives in an event's tags. A tag is
//     parsed into a Reference (event id, address triple, or external
//     identifier) and each event resolves to at most one ChainKey, the thing
//     it replies to.
//
//   - Rebuild, don't patch: the adjacency map from ChainKey to children is
//     derived wholesale from the known event set every time it changes, so
//     arrival order and redelivery never matter.
package model

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Event is a signed nostr event as delivered by a relay. Events are never
// mutated once received.
type Event = nostr.Event

// Well-known event kinds the thread engine distinguishes.
const (
	KindTextNote      = 1
	KindDeletion      = 5
	KindRepost        = 6
	KindReaction      = 7
	KindGenericRepost = 16
	KindComment       = 1111
	KindZapReceipt    = 9735
	KindLongForm      = 30023
)

// IsParameterizedReplaceable reports whether events of kind k are addressed
// by (kind, pubkey, d-tag) instead of their id.
func IsParameterizedReplaceable(k int) bool {
	return k >= 30000 && k < 40000
}

// IsReplaceable reports whether events of kind k are addressed by
// (kind, pubkey) with an empty d-tag.
func IsReplaceable(k int) bool {
	return k == 0 || k == 3 || (k >= 10000 && k < 20000)
}

// IsRelated reports whether k is a kind that decorates another event
// (reactions, reposts, zaps, deletions) rather than replying to it.
func IsRelated(k int) bool {
	switch k {
	case KindDeletion, KindRepost, KindReaction, KindGenericRepost, KindZapReceipt:
		return true
	}
	return false
}

// RefKind enumerates the three pointer shapes a tag can carry.
type RefKind string

const (
	RefEvent      RefKind = "e"
	RefAddress    RefKind = "a"
	RefIdentifier RefKind = "i"
)

// Marker is the NIP-10 position hint stored at tag index 3.
type Marker string

const (
	MarkerNone    Marker = ""
	MarkerRoot    Marker = "root"
	MarkerReply   Marker = "reply"
	MarkerMention Marker = "mention"
)

// Reference is a parsed pointer extracted from one tag.
type Reference struct {
	Kind   RefKind `json:"kind"`
	Value  string  `json:"value"`
	Relay  string  `json:"relay,omitempty"`
	Marker Marker  `json:"marker,omitempty"`
}

// Key returns the ChainKey this reference points at.
func (r Reference) Key() ChainKey {
	return ChainKey{Kind: r.Kind, Value: r.Value}
}

// Variant is the parsing mode selected for an event's tags.
type Variant string

const (
	VariantNone    Variant = "none"
	VariantLegacy  Variant = "legacy"
	VariantMarked  Variant = "marked"
	VariantComment Variant = "comment"
)

// ThreadInfo is the structured reference set of one event. It is derived on
// demand from the event and never cached.
type ThreadInfo struct {
	Variant          Variant     `json:"variant"`
	Root             *Reference  `json:"root,omitempty"`
	ReplyTo          *Reference  `json:"reply_to,omitempty"`
	Mentions         []Reference `json:"mentions,omitempty"`
	MentionedAuthors []string    `json:"mentioned_authors,omitempty"`

	// Mixed is set when a marked event also carried unmarked parent tags.
	// Those tags are dropped.
	Mixed bool `json:"mixed,omitempty"`
}

// IsRoot reports whether the event the info was parsed from starts a thread.
func (t ThreadInfo) IsRoot() bool {
	return t.Root == nil && t.ReplyTo == nil
}

// References returns root, replyTo and mentions in that order.
func (t ThreadInfo) References() []Reference {
	var refs []Reference
	if t.Root != nil {
		refs = append(refs, *t.Root)
	}
	if t.ReplyTo != nil {
		refs = append(refs, *t.ReplyTo)
	}
	return append(refs, t.Mentions...)
}

// ChainKey identifies "the thing an event replies to" in the chain map.
type ChainKey struct {
	Kind  RefKind `json:"kind"`
	Value string  `json:"value"`
}

// String renders the key as "<kind>:<value>", e.g. "e:<hex id>" or
// "a:30023:<pubkey>:<d>".
func (k ChainKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// IsZero reports whether k is the empty key.
func (k ChainKey) IsZero() bool { return k.Value == "" }

// EventKey returns the ChainKey for a literal event id.
func EventKey(id string) ChainKey { return ChainKey{Kind: RefEvent, Value: id} }

// ParseChainKey is the inverse of ChainKey.String.
func ParseChainKey(s string) (ChainKey, bool) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return ChainKey{}, false
	}
	switch RefKind(kind) {
	case RefEvent, RefAddress, RefIdentifier:
		return ChainKey{Kind: RefKind(kind), Value: value}, true
	}
	return ChainKey{}, false
}

// Address is the (kind, pubkey, d) triple naming a replaceable event.
type Address struct {
	Kind   int    `json:"kind"`
	PubKey string `json:"pubkey"`
	D      string `json:"d"`
}

// String renders the address in tag form "kind:pubkey:d".
func (a Address) String() string {
	return strconv.Itoa(a.Kind) + ":" + a.PubKey + ":" + a.D
}

// Key returns the ChainKey for the address.
func (a Address) Key() ChainKey {
	return ChainKey{Kind: RefAddress, Value: a.String()}
}

// Matches reports whether ev is a version of the addressed event.
func (a Address) Matches(ev *Event) bool {
	return ev.Kind == a.Kind && ev.PubKey == a.PubKey && DTag(ev) == a.D
}

// ParseAddress parses "kind:pubkey:d". The d part may itself contain ':'.
func ParseAddress(s string) (Address, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Address{}, false
	}
	k, err := strconv.Atoi(parts[0])
	if err != nil || k < 0 {
		return Address{}, false
	}
	if !nostr.IsValid32ByteHex(parts[1]) {
		return Address{}, false
	}
	return Address{Kind: k, PubKey: parts[1], D: parts[2]}, true
}

// AddressOf returns the address of ev when its kind is addressable.
func AddressOf(ev *Event) (Address, bool) {
	switch {
	case IsParameterizedReplaceable(ev.Kind):
		return Address{Kind: ev.Kind, PubKey: ev.PubKey, D: DTag(ev)}, true
	case IsReplaceable(ev.Kind):
		return Address{Kind: ev.Kind, PubKey: ev.PubKey}, true
	}
	return Address{}, false
}

// DTag returns the value of the first "d" tag, or "".
func DTag(ev *Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}
