package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daviddao/threadweave/internal/fixture"
	"github.com/daviddao/threadweave/pkg/feed"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/moderation"
	"github.com/daviddao/threadweave/pkg/retry"
	"github.com/daviddao/threadweave/pkg/tracker"
	"github.com/daviddao/threadweave/pkg/tree"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(n int) model.ChainKey { return model.EventKey(fixture.ID(n)) }

// A <- B <- C, plus an unrelated note and a reaction to A.
func relayContents() feed.Static {
	return feed.Static{
		fixture.Note(1, 1, 100),
		fixture.Reply(2, 2, 110, 1),
		fixture.Reply(3, 3, 120, 2),
		fixture.Note(8, 8, 90),
		fixture.Reaction(9, 4, 130, 1),
	}
}

func fastOpts() []Option {
	cfg := tracker.DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	return []Option{
		WithTracker(cfg),
		WithRetry(retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
}

func newSession(t *testing.T, seed model.ChainKey, src feed.Source, muter moderation.Muter, opts ...Option) *Session {
	t.Helper()
	s := New(seed, src, muter, append(fastOpts(), opts...)...)
	t.Cleanup(s.Close)
	return s
}

func TestIngest_ResolvesRootAndDiscovers(t *testing.T) {
	s := newSession(t, key(3), nil, nil)
	discovered := s.Ingest([]*nostr.Event{fixture.Reply(3, 3, 120, 2)})
	assert.Equal(t, []string{key(2).String()}, discovered)

	vs := s.Snapshot()
	require.NotNil(t, vs.Current)
	assert.Equal(t, fixture.ID(3), vs.Root.ID, "parent unknown, current is pseudo-root")
	assert.Equal(t, []model.ChainKey{key(2)}, vs.Broken)

	s.Ingest([]*nostr.Event{fixture.Reply(2, 2, 110, 1)})
	vs = s.Snapshot()
	assert.Equal(t, fixture.ID(2), vs.Root.ID)
	require.NotNil(t, vs.Parent)
	assert.Equal(t, key(1), *vs.Parent)
}

func TestIngest_IgnoresRedelivery(t *testing.T) {
	s := newSession(t, key(1), nil, nil)
	ev := fixture.Note(1, 1, 100)
	s.Ingest([]*nostr.Event{ev})
	v := s.Snapshot().Version
	assert.Nil(t, s.Ingest([]*nostr.Event{ev, nil}))
	assert.Equal(t, v, s.Snapshot().Version)
	assert.Len(t, s.Snapshot().Data, 1)
}

func TestIngest_ReactionsKeptOutOfChains(t *testing.T) {
	s := newSession(t, key(1), nil, nil)
	s.Ingest([]*nostr.Event{fixture.Note(1, 1, 100), fixture.Reaction(9, 4, 130, 1)})
	vs := s.Snapshot()
	assert.Len(t, vs.Data, 1)
	assert.Empty(t, vs.Chains)
	assert.Equal(t, []string{fixture.ID(9)}, fixture.IDs(s.Reactions(fixture.ID(1))))
}

func TestIngest_SignalsUpdates(t *testing.T) {
	s := newSession(t, key(1), nil, nil)
	s.Ingest([]*nostr.Event{fixture.Note(1, 1, 100)})
	s.Ingest([]*nostr.Event{fixture.Reply(2, 2, 110, 1)})
	select {
	case <-s.Updates():
	default:
		t.Fatal("expected an update signal")
	}
}

func TestRun_ConvergesFromLeaf(t *testing.T) {
	s := newSession(t, key(3), relayContents(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	vs := s.Snapshot()
	assert.True(t, vs.Converged)
	assert.False(t, vs.Truncated)
	assert.ElementsMatch(t, []string{key(1).String(), key(2).String(), key(3).String()}, vs.Tracked)
	assert.Equal(t, []string{fixture.ID(1), fixture.ID(2), fixture.ID(3)}, fixture.IDs(vs.Data))
	assert.Equal(t, fixture.ID(2), vs.Root.ID)
	assert.Len(t, s.Reactions(fixture.ID(1)), 1)
}

func TestRun_WithoutReactions(t *testing.T) {
	s := newSession(t, key(1), relayContents(), nil, WithReactions(false))
	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, s.Reactions(fixture.ID(1)))
	assert.Len(t, s.Snapshot().Data, 3)
}

func TestRun_MutedAuthorHidden(t *testing.T) {
	muted := moderation.NewList(nil, fixture.PK(2))
	s := newSession(t, key(3), relayContents(), muted)
	require.NoError(t, s.Run(context.Background()))

	vs := s.Snapshot()
	assert.Equal(t, 1, vs.Muted)
	for _, bucket := range vs.Chains {
		for _, ev := range bucket {
			assert.NotEqual(t, fixture.PK(2), ev.PubKey)
		}
	}
	assert.Equal(t, fixture.ID(3), vs.Root.ID)
	assert.ElementsMatch(t, []string{key(2).String(), key(3).String()}, vs.Tracked,
		"a muted event must not pull its parent in")

	require.NoError(t, muted.Unmute(fixture.PK(2)))
	s.Refresh()
	assert.Equal(t, fixture.ID(2), s.Snapshot().Root.ID)
	require.Eventually(t, func() bool { return s.Tracker().IsTracked(key(1)) },
		time.Second, 5*time.Millisecond, "unmuting should queue the parent")
}

func TestRun_MutedReplyDoesNotWiden(t *testing.T) {
	spamTags := nostr.Tags{{"e", fixture.ID(1), "", "root"}}
	for i := 0; i < 50; i++ {
		spamTags = append(spamTags, nostr.Tag{"e", fixture.ID(100 + i), "", "mention"})
	}
	src := feed.Static{
		fixture.Note(1, 1, 100),
		fixture.Note(50, 5, 200, spamTags...),
	}
	muted := moderation.NewList(nil, fixture.PK(5))
	s := newSession(t, key(1), src, muted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	vs := s.Snapshot()
	assert.Equal(t, []string{key(1).String()}, vs.Tracked)
	assert.True(t, vs.Converged)
	assert.False(t, vs.Truncated)
	assert.Equal(t, 1, vs.Muted)
}

type flaky struct {
	feed.Source
	failures int32
	calls    atomic.Int32
}

func (f *flaky) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection refused")
	}
	return f.Source.Query(ctx, filters, keepOpen)
}

func TestRun_RetriesFailedSubscription(t *testing.T) {
	src := &flaky{Source: relayContents(), failures: 2}
	s := newSession(t, key(3), src, nil)
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, s.Snapshot().Tracked, 3)
}

func TestRun_GivesUpKeepingTrackedSet(t *testing.T) {
	src := &flaky{Source: relayContents(), failures: 100}
	s := newSession(t, key(3), src, nil)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{key(3).String()}, s.Snapshot().Tracked)
}

func TestRun_LiveUntilCancel(t *testing.T) {
	s := newSession(t, key(3), relayContents(), nil, WithLive(true))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Tracked) == 3 && s.Snapshot().Converged
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_BoundTruncates(t *testing.T) {
	src := feed.Static{fixture.Note(1, 1, 100)}
	for i := 2; i <= 10; i++ {
		src = append(src, fixture.Reply(i, i, int64(100+i), 1))
	}
	cfg := tracker.DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	cfg.MaxTracked = 4
	s := newSession(t, key(1), src, nil, WithTracker(cfg))
	require.NoError(t, s.Run(context.Background()))

	vs := s.Snapshot()
	assert.True(t, vs.Truncated)
	assert.Len(t, vs.Tracked, 4)
	assert.ErrorIs(t, s.Tracker().Err(), tracker.ErrThreadTooLarge)
}

func TestSetCurrentAndGoBack(t *testing.T) {
	slow := tracker.DefaultConfig()
	slow.Debounce = time.Hour
	s := newSession(t, key(3), nil, nil, WithTracker(slow))
	s.Ingest(relayContents())
	assert.Equal(t, fixture.ID(2), s.Snapshot().Root.ID)

	parent, ok := s.GoBack()
	require.True(t, ok)
	assert.Equal(t, key(1), parent)
	vs := s.Snapshot()
	assert.Equal(t, key(1).String(), vs.CurrentID)
	assert.Equal(t, fixture.ID(1), vs.Root.ID)

	_, ok = s.GoBack()
	assert.False(t, ok)

	s.SetCurrent(key(42))
	assert.Nil(t, s.Snapshot().Root, "unknown target is still loading")
	assert.Contains(t, s.Tracker().Frontier().Frontier, key(42).String())
}

func TestTree(t *testing.T) {
	s := newSession(t, key(3), nil, nil)
	s.Ingest(relayContents())

	tr := s.Tree(tree.Options{EagerDepth: 2})
	require.NotNil(t, tr)
	assert.Equal(t, fixture.ID(2), tr.Root.Event.ID)
	require.Len(t, tr.Root.Children, 1)
	assert.True(t, tr.Root.Children[0].Highlight)
}
