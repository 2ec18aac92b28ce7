// Package session owns the state of one thread view.
//
// A Session is created when the reader opens a thread and discarded when
// they leave it. It holds the known events, the tracker growing the fetch
// set, and the chain map and root derived from them. Nothing in it is
// shared between views.
//
// Ingest is the synchronous core step and can be driven directly. Run wraps
// it in a loop over a feed.Source: subscribe for the tracked keys, ingest
// what arrives, and re-subscribe with the wider key set whenever the
// tracker asks for it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/threadweave/pkg/chain"
	"github.com/daviddao/threadweave/pkg/feed"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/moderation"
	"github.com/daviddao/threadweave/pkg/order"
	"github.com/daviddao/threadweave/pkg/retry"
	"github.com/daviddao/threadweave/pkg/root"
	"github.com/daviddao/threadweave/pkg/tracker"
	"github.com/daviddao/threadweave/pkg/tree"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const maxBatch = 256

// ViewState is a consistent snapshot of a session.
type ViewState struct {
	CurrentID string           `json:"current"`
	Current   *nostr.Event     `json:"current_event,omitempty"`
	Root      *nostr.Event     `json:"root,omitempty"`
	Parent    *model.ChainKey  `json:"parent,omitempty"`
	Chains    chain.Map        `json:"-"`
	Data      []*nostr.Event   `json:"events"`
	Muted     int              `json:"muted"`
	Broken    []model.ChainKey `json:"broken,omitempty"`
	Tracked   []string         `json:"tracked"`
	Truncated bool             `json:"truncated,omitempty"`
	Converged bool             `json:"converged"`
	Version   uint64           `json:"version"`
}

// Session is the per-view thread state. It is safe for concurrent use.
type Session struct {
	src      feed.Source
	muter    moderation.Muter
	tracker  *tracker.Tracker
	log      zerolog.Logger
	related  bool
	live     bool
	retryCfg retry.Config
	trackCfg tracker.Config

	mu        sync.RWMutex
	current   model.ChainKey
	seen      map[string]struct{}
	known     []*nostr.Event
	reactions map[string][]*nostr.Event
	chains    chain.Map
	resolver  *root.Resolver
	root      *nostr.Event
	version   uint64

	updates chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger, which is also handed to the tracker.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithTracker sets the tracker configuration.
func WithTracker(cfg tracker.Config) Option {
	return func(s *Session) { s.trackCfg = cfg }
}

// WithReactions toggles fetching reactions, reposts and zaps.
func WithReactions(on bool) Option {
	return func(s *Session) { s.related = on }
}

// WithLive keeps subscriptions open after the stored events are delivered,
// so Run keeps going until its context ends. Without it Run returns once
// the thread converged.
func WithLive(on bool) Option {
	return func(s *Session) { s.live = on }
}

// WithRetry sets the backoff for failed subscriptions.
func WithRetry(cfg retry.Config) Option {
	return func(s *Session) { s.retryCfg = cfg }
}

// New returns a session viewing seed. muter may be nil.
func New(seed model.ChainKey, src feed.Source, muter moderation.Muter, opts ...Option) *Session {
	s := &Session{
		src:       src,
		muter:     muter,
		log:       zerolog.Nop(),
		related:   true,
		retryCfg:  retry.Subscribe,
		trackCfg:  tracker.DefaultConfig(),
		current:   seed,
		seen:      make(map[string]struct{}),
		reactions: make(map[string][]*nostr.Event),
		chains:    chain.Map{},
		updates:   make(chan struct{}, 1),
	}
	if s.muter == nil {
		s.muter = moderation.None
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "session").Str("seed", seed.String()).Logger()
	s.trackCfg.Logger = s.log
	s.tracker = tracker.New(s.trackCfg, seed)
	s.resolver = root.New(s.chains, nil, nil)
	return s
}

// Updates signals that the snapshot changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Tracker exposes the session's tracker.
func (s *Session) Tracker() *tracker.Tracker { return s.tracker }

// Close stops the tracker. The session must not be used afterwards.
func (s *Session) Close() { s.tracker.Close() }

// Ingest adds a batch of events. Redelivered ids are ignored; reactions are
// filed under their target instead of entering the chain map. It returns
// the keys the batch caused the tracker to discover.
func (s *Session) Ingest(batch []*nostr.Event) []string {
	s.mu.Lock()
	added := 0
	for _, ev := range batch {
		if ev == nil {
			continue
		}
		if _, dup := s.seen[ev.ID]; dup {
			continue
		}
		s.seen[ev.ID] = struct{}{}
		added++
		if model.IsRelated(ev.Kind) {
			if target := reactionTarget(ev); target != "" {
				s.reactions[target] = append(s.reactions[target], ev)
			}
			continue
		}
		s.known = append(s.known, ev)
	}
	if added == 0 {
		s.mu.Unlock()
		return nil
	}
	s.rebuildLocked()
	visible := s.unmutedLocked()
	s.mu.Unlock()

	discovered := s.tracker.OnNewEvents(visible)
	s.log.Debug().Int("added", added).Int("visible", len(visible)).Int("discovered", len(discovered)).Msg("ingest")
	s.notify()
	return discovered
}

// unmutedLocked returns the known events whose authors are not muted. Only
// these may widen the tracked set.
func (s *Session) unmutedLocked() []*nostr.Event {
	out := make([]*nostr.Event, 0, len(s.known))
	for _, ev := range s.known {
		if !s.muter.IsMuted(ev.PubKey) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Session) rebuildLocked() {
	muted := moderation.Func(s.muter)
	s.chains = chain.Build(s.known, muted)
	s.resolver = root.New(s.chains, s.known, muted)
	s.root = s.resolver.Resolve(s.current)
	s.version++
}

// Refresh rebuilds the chain map and root from the known events, for when
// the mute list changed underneath the session. References of authors who
// were unmuted are queued for fetching.
func (s *Session) Refresh() {
	s.mu.Lock()
	s.rebuildLocked()
	visible := s.unmutedLocked()
	s.mu.Unlock()
	s.tracker.OnNewEvents(visible)
	s.notify()
}

// SetCurrent moves the view to key. A key outside the tracked set is
// queued for fetching.
func (s *Session) SetCurrent(key model.ChainKey) {
	s.mu.Lock()
	s.current = key
	s.root = s.resolver.Resolve(key)
	s.version++
	s.mu.Unlock()
	s.tracker.Track(key)
	s.notify()
}

// GoBack moves the view to the parent of the current root. ok is false when
// the root starts its thread.
func (s *Session) GoBack() (model.ChainKey, bool) {
	s.mu.RLock()
	parent, ok := s.resolver.Parent(s.root)
	s.mu.RUnlock()
	if !ok {
		return model.ChainKey{}, false
	}
	s.SetCurrent(parent)
	return parent, true
}

// Snapshot returns the current view state.
func (s *Session) Snapshot() ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := ViewState{
		CurrentID: s.current.String(),
		Current:   s.resolver.Lookup(s.current),
		Root:      s.root,
		Chains:    s.chains,
		Tracked:   s.tracker.Tracked(),
		Version:   s.version,
	}
	if parent, ok := s.resolver.Parent(s.root); ok {
		vs.Parent = &parent
	}
	for _, ev := range s.known {
		if s.muter.IsMuted(ev.PubKey) {
			vs.Muted++
			continue
		}
		vs.Data = append(vs.Data, ev)
	}
	order.Sort(vs.Data)
	vs.Broken = chain.Broken(s.chains, s.known)
	fs := s.tracker.Frontier()
	vs.Converged = fs.Converged
	vs.Truncated = fs.Truncated
	return vs
}

// Reactions returns the reactions, reposts and zaps targeting id, oldest
// first, without muted authors.
func (s *Session) Reactions(id string) []*nostr.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*nostr.Event
	for _, ev := range s.reactions[id] {
		if !s.muter.IsMuted(ev.PubKey) {
			out = append(out, ev)
		}
	}
	order.Sort(out)
	return out
}

// Tree lays out the thread under the current root, highlighting the current
// event.
func (s *Session) Tree(opts tree.Options) *tree.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := ""
	if cur := s.resolver.Lookup(s.current); cur != nil {
		active = cur.ID
	}
	return tree.Build(s.chains, s.root, active, opts)
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Run drives the session from its source until ctx ends or, without
// WithLive, until the thread converged. Failed subscriptions are retried
// with backoff; the tracked set survives a failure.
func (s *Session) Run(ctx context.Context) error {
	keys := s.tracker.Tracked()
	for {
		next, done, err := s.runOnce(ctx, keys)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		keys = next
	}
}

// runOnce holds one subscription for keys. It returns the widened key set
// to subscribe with next, or done once the thread converged.
func (s *Session) runOnce(ctx context.Context, keys []string) ([]string, bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	filters := feed.Filters(keys, s.related)
	var events <-chan *nostr.Event
	err := retry.Do(ctx, s.retryCfg, nil, func() error {
		ch, err := s.src.Query(subCtx, filters, s.live)
		if err != nil {
			s.log.Warn().Err(err).Int("keys", len(keys)).Msg("subscribe failed")
			return err
		}
		events = ch
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("subscribe %d keys: %w", len(keys), err)
	}
	s.log.Debug().Int("keys", len(keys)).Int("filters", len(filters)).Msg("subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()

		case req := <-s.tracker.Requests():
			s.log.Debug().Str("request", req.ID).Int("generation", req.Generation).Msg("widen")
			return req.Keys, false, nil

		case ev, ok := <-events:
			if !ok {
				if req, widen := s.nextWiden(); widen {
					return req.Keys, false, nil
				}
				if s.live {
					// The source went away; resubscribe for the same keys.
					t := time.NewTimer(retry.Delay(s.retryCfg, 0))
					defer t.Stop()
					select {
					case <-ctx.Done():
						return nil, false, ctx.Err()
					case <-t.C:
					}
					return keys, false, nil
				}
				return nil, true, nil
			}
			batch, closed := drain(ev, events)
			s.Ingest(batch)
			if closed {
				events = closedChan()
			}
		}
	}
}

// nextWiden commits pending keys now instead of waiting for the debounce
// window, folding in a request the timer may already have queued.
func (s *Session) nextWiden() (tracker.WidenRequest, bool) {
	req, ok := s.tracker.Flush()
	select {
	case queued := <-s.tracker.Requests():
		if !ok {
			return queued, true
		}
	default:
	}
	return req, ok
}

// drain collects first plus whatever is immediately available on ch.
func drain(first *nostr.Event, ch <-chan *nostr.Event) ([]*nostr.Event, bool) {
	batch := []*nostr.Event{first}
	for len(batch) < maxBatch {
		select {
		case ev, ok := <-ch:
			if !ok {
				return batch, true
			}
			batch = append(batch, ev)
		default:
			return batch, false
		}
	}
	return batch, false
}

func closedChan() <-chan *nostr.Event {
	ch := make(chan *nostr.Event)
	close(ch)
	return ch
}

// reactionTarget returns the event a reaction, repost or zap points at: the
// last valid e tag.
func reactionTarget(ev *nostr.Event) string {
	target := ""
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			target = tag[1]
		}
	}
	return target
}
