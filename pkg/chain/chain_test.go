package chain

import (
	"math/rand"
	"testing"

	"github.com/daviddao/threadweave/internal/fixture"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/google/go-cmp/cmp"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ids projects a chain map to key -> child ids for comparison.
func ids(m Map) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, bucket := range m {
		out[k.String()] = fixture.IDs(bucket)
	}
	return out
}

func sampleThread() []*nostr.Event {
	return []*nostr.Event{
		fixture.Note(1, 1, 100),
		fixture.Reply(2, 2, 110, 1),
		fixture.Reply(3, 3, 105, 1),
		fixture.Marked(4, 1, 120, 1, 2),
		fixture.Marked(5, 4, 120, 1, 2),
		fixture.Reply(6, 5, 130, 99), // parent never fetched
	}
}

func TestKeyOf_Root(t *testing.T) {
	_, ok := KeyOf(fixture.Note(1, 1, 1))
	assert.False(t, ok)
}

func TestKeyOf_PrefersReply(t *testing.T) {
	k, ok := KeyOf(fixture.Marked(3, 1, 1, 1, 2))
	require.True(t, ok)
	assert.Equal(t, model.EventKey(fixture.ID(2)), k)
}

func TestKeyOf_FallsBackToRoot(t *testing.T) {
	ev := fixture.Note(3, 1, 1, nostr.Tag{"e", fixture.ID(1), "", "root"})
	k, ok := KeyOf(ev)
	require.True(t, ok)
	assert.Equal(t, model.EventKey(fixture.ID(1)), k)
}

func TestKeyOf_Pure(t *testing.T) {
	ev := fixture.Marked(3, 1, 1, 1, 2)
	k1, ok1 := KeyOf(ev)
	k2, ok2 := KeyOf(ev)
	assert.Equal(t, k1, k2)
	assert.Equal(t, ok1, ok2)
}

func TestKeyOf_CommentDirectParent(t *testing.T) {
	addr := fixture.ArticleAddress(1, "post")
	ev := &nostr.Event{
		ID:   fixture.ID(10),
		Kind: model.KindComment,
		Tags: nostr.Tags{{"A", addr}, {"a", addr}},
	}
	k, ok := KeyOf(ev)
	require.True(t, ok)
	assert.Equal(t, model.ChainKey{Kind: model.RefAddress, Value: addr}, k)
}

func TestBuild_Buckets(t *testing.T) {
	m := Build(sampleThread(), nil)
	want := map[string][]string{
		"e:" + fixture.ID(1):  {fixture.ID(3), fixture.ID(2)},
		"e:" + fixture.ID(2):  {fixture.ID(4), fixture.ID(5)},
		"e:" + fixture.ID(99): {fixture.ID(6)},
	}
	if diff := cmp.Diff(want, ids(m)); diff != "" {
		t.Fatalf("chain map mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_Commutative(t *testing.T) {
	events := sampleThread()
	want := ids(Build(events, nil))
	for i := 0; i < 25; i++ {
		shuffled := append([]*nostr.Event(nil), events...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if diff := cmp.Diff(want, ids(Build(shuffled, nil))); diff != "" {
			t.Fatalf("shuffle %d changed the map (-want +got):\n%s", i, diff)
		}
	}
}

func TestBuild_Idempotent(t *testing.T) {
	events := sampleThread()
	first := ids(Build(events, nil))
	second := ids(Build(events, nil))
	assert.Empty(t, cmp.Diff(first, second))
}

func TestBuild_IgnoresRedelivery(t *testing.T) {
	events := sampleThread()
	doubled := append(append([]*nostr.Event(nil), events...), events...)
	assert.Empty(t, cmp.Diff(ids(Build(events, nil)), ids(Build(doubled, nil))))
	assert.Equal(t, 5, Build(doubled, nil).Size())
}

func TestBuild_MutedAuthorsExcluded(t *testing.T) {
	muted := fixture.PK(4)
	m := Build(sampleThread(), func(pk string) bool { return pk == muted })
	for _, bucket := range m {
		for _, ev := range bucket {
			assert.NotEqual(t, muted, ev.PubKey)
		}
	}
	assert.Equal(t, []string{fixture.ID(4)}, fixture.IDs(m.ChildrenOf(model.EventKey(fixture.ID(2)))))
}

func TestBuild_SelfReplySkipped(t *testing.T) {
	ev := fixture.Reply(1, 1, 1, 1)
	assert.Empty(t, Build([]*nostr.Event{ev}, nil))
}

func TestBuild_DanglingParentHasNoCrash(t *testing.T) {
	m := Build([]*nostr.Event{fixture.Reply(2, 1, 1, 77)}, nil)
	assert.Len(t, m, 1)
	assert.Empty(t, m.ChildrenOf(model.EventKey(fixture.ID(1))))
}

func TestChildren_MergesAddressAndIDBuckets(t *testing.T) {
	article := fixture.Article(1, 1, 100, "post")
	byAddr := fixture.Note(2, 2, 110, nostr.Tag{"a", fixture.ArticleAddress(1, "post"), "", "root"})
	byID := fixture.Reply(3, 3, 105, 1)
	m := Build([]*nostr.Event{article, byAddr, byID}, nil)
	assert.Equal(t, []string{fixture.ID(3), fixture.ID(2)}, fixture.IDs(m.Children(article)))
}

func TestOwns(t *testing.T) {
	article := fixture.Article(1, 1, 100, "post")
	assert.True(t, Owns(article, model.EventKey(fixture.ID(1))))
	assert.True(t, Owns(article, model.ChainKey{Kind: model.RefAddress, Value: fixture.ArticleAddress(1, "post")}))
	assert.False(t, Owns(article, model.ChainKey{Kind: model.RefAddress, Value: fixture.ArticleAddress(2, "post")}))
	assert.False(t, Owns(article, model.ChainKey{Kind: model.RefIdentifier, Value: "x"}))
}

func TestBroken(t *testing.T) {
	events := sampleThread()
	m := Build(events, nil)
	assert.Equal(t, []model.ChainKey{model.EventKey(fixture.ID(99))}, Broken(m, events))
}
