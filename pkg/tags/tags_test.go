package tags

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/daviddao/threadweave/pkg/model"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexID(n int) string { return fmt.Sprintf("%064x", n) }

func note(tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{ID: hexID(999), Kind: model.KindTextNote, PubKey: hexID(500), Tags: tags}
}

func TestParseThread_NoParentTags(t *testing.T) {
	info := ParseThread(note(nostr.Tag{"p", hexID(1)}, nostr.Tag{"t", "nostr"}))
	assert.Equal(t, model.VariantNone, info.Variant)
	assert.True(t, info.IsRoot())
	assert.Equal(t, []string{hexID(1)}, info.MentionedAuthors)
}

func TestParseThread_Marked(t *testing.T) {
	info := ParseThread(note(
		nostr.Tag{"e", hexID(1), "wss://r", "root"},
		nostr.Tag{"e", hexID(2), "", "mention"},
		nostr.Tag{"e", hexID(3), "", "reply"},
	))
	assert.Equal(t, model.VariantMarked, info.Variant)
	require.NotNil(t, info.Root)
	require.NotNil(t, info.ReplyTo)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Equal(t, "wss://r", info.Root.Relay)
	assert.Equal(t, hexID(3), info.ReplyTo.Value)
	require.Len(t, info.Mentions, 1)
	assert.Equal(t, hexID(2), info.Mentions[0].Value)
	assert.False(t, info.Mixed)
}

func TestParseThread_MarkedIndependentOfTagOrder(t *testing.T) {
	tags := []nostr.Tag{
		{"e", hexID(1), "", "root"},
		{"e", hexID(2), "", "reply"},
		{"p", hexID(7)},
		{"e", hexID(3), "", "mention"},
	}
	for i := 0; i < 20; i++ {
		shuffled := append([]nostr.Tag(nil), tags...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		info := ParseThread(note(shuffled...))
		require.NotNil(t, info.Root)
		require.NotNil(t, info.ReplyTo)
		assert.Equal(t, hexID(1), info.Root.Value)
		assert.Equal(t, hexID(2), info.ReplyTo.Value)
	}
}

func TestParseThread_MarkedIgnoresUnmarked(t *testing.T) {
	info := ParseThread(note(
		nostr.Tag{"e", hexID(9)},
		nostr.Tag{"e", hexID(1), "", "root"},
	))
	assert.Equal(t, model.VariantMarked, info.Variant)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Nil(t, info.ReplyTo)
	assert.Empty(t, info.Mentions)
	assert.True(t, info.Mixed)
}

func TestParseThread_LegacyTwoTags(t *testing.T) {
	info := ParseThread(note(
		nostr.Tag{"e", hexID(1)},
		nostr.Tag{"e", hexID(2)},
	))
	assert.Equal(t, model.VariantLegacy, info.Variant)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Equal(t, hexID(2), info.ReplyTo.Value)
	assert.Empty(t, info.Mentions)
}

func TestParseThread_LegacySingleTagIsRoot(t *testing.T) {
	info := ParseThread(note(nostr.Tag{"e", hexID(1)}))
	require.NotNil(t, info.Root)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Nil(t, info.ReplyTo)
}

func TestParseThread_LegacyRestAreMentions(t *testing.T) {
	info := ParseThread(note(
		nostr.Tag{"p", hexID(50)},
		nostr.Tag{"e", hexID(1)},
		nostr.Tag{"e", hexID(2)},
		nostr.Tag{"e", hexID(3)},
		nostr.Tag{"e", hexID(4)},
	))
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Equal(t, hexID(2), info.ReplyTo.Value)
	require.Len(t, info.Mentions, 2)
	assert.Equal(t, hexID(3), info.Mentions[0].Value)
	assert.Equal(t, hexID(4), info.Mentions[1].Value)
}

func TestParseThread_AddressRoot(t *testing.T) {
	addr := fmt.Sprintf("30023:%s:article", hexID(5))
	info := ParseThread(note(nostr.Tag{"a", addr, "", "root"}))
	require.NotNil(t, info.Root)
	assert.Equal(t, model.RefAddress, info.Root.Kind)
	assert.Equal(t, addr, info.Root.Value)
}

func TestParseThread_SkipsMalformed(t *testing.T) {
	info := ParseThread(note(
		nostr.Tag{"e"},
		nostr.Tag{},
		nostr.Tag{"e", "not-hex"},
		nostr.Tag{"a", "garbage"},
		nostr.Tag{"i", ""},
		nostr.Tag{"p", "short"},
		nostr.Tag{"e", hexID(1)},
	))
	assert.Equal(t, model.VariantLegacy, info.Variant)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Nil(t, info.ReplyTo)
	assert.Empty(t, info.MentionedAuthors)
}

func TestParseThread_Comment(t *testing.T) {
	ev := &nostr.Event{
		Kind: model.KindComment,
		Tags: nostr.Tags{
			{"E", hexID(1), "", hexID(50)},
			{"K", "1"},
			{"P", hexID(50)},
			{"e", hexID(2), "", hexID(51)},
			{"k", "1111"},
			{"p", hexID(51)},
		},
	}
	info := ParseThread(ev)
	assert.Equal(t, model.VariantComment, info.Variant)
	require.NotNil(t, info.Root)
	require.NotNil(t, info.ReplyTo)
	assert.Equal(t, hexID(1), info.Root.Value)
	assert.Equal(t, hexID(2), info.ReplyTo.Value)
	assert.Equal(t, model.MarkerNone, info.ReplyTo.Marker)
	assert.ElementsMatch(t, []string{hexID(50), hexID(51)}, info.MentionedAuthors)
}

func TestParseThread_CommentOnExternalIdentifier(t *testing.T) {
	ev := &nostr.Event{
		Kind: model.KindComment,
		Tags: nostr.Tags{
			{"I", "https://example.com/a"},
			{"i", "https://example.com/a"},
		},
	}
	info := ParseThread(ev)
	require.NotNil(t, info.ReplyTo)
	assert.Equal(t, model.RefIdentifier, info.ReplyTo.Kind)
	assert.Equal(t, "https://example.com/a", info.ReplyTo.Value)
}

func TestParseThread_CommentIgnoresPositionalRules(t *testing.T) {
	// Two lowercase tags on a comment: the first is the parent, no root.
	ev := &nostr.Event{
		Kind: model.KindComment,
		Tags: nostr.Tags{{"e", hexID(1)}, {"e", hexID(2)}},
	}
	info := ParseThread(ev)
	assert.Nil(t, info.Root)
	assert.Equal(t, hexID(1), info.ReplyTo.Value)
}

func TestParseThread_QuoteIsMention(t *testing.T) {
	info := ParseThread(note(nostr.Tag{"q", hexID(3)}))
	assert.True(t, info.IsRoot())
	require.Len(t, info.Mentions, 1)
	assert.Equal(t, model.MarkerMention, info.Mentions[0].Marker)
}

func TestParseThread_DedupesAuthors(t *testing.T) {
	info := ParseThread(note(nostr.Tag{"p", hexID(1)}, nostr.Tag{"p", hexID(1)}, nostr.Tag{"p", hexID(2)}))
	assert.Equal(t, []string{hexID(1), hexID(2)}, info.MentionedAuthors)
}
