// Package tracker grows the set of keys a thread view fetches.
//
// A tracker starts from one or more seed keys. Every batch of events that
// belongs to the thread (its id is tracked, or it references something
// tracked) contributes its own id and every key it references. Keys not yet
// tracked are held as pending and committed after a debounce window, which
// emits one WidenRequest for the whole burst instead of one round-trip per
// discovered id. When a batch discovers nothing new the tracker has reached
// its fixed point.
//
// The tracked set never shrinks. A failed fetch leaves it as it was, so the
// same request can simply be retried.
package tracker

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/daviddao/threadweave/pkg/chain"
	"github.com/daviddao/threadweave/pkg/frontier"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/tags"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// ErrThreadTooLarge is reported once the tracked set hit its bound and
// discovered keys had to be dropped.
var ErrThreadTooLarge = errors.New("thread too large: tracked set truncated")

// Defaults for Config.
const (
	DefaultDebounce   = 200 * time.Millisecond
	DefaultMaxTracked = 2000
)

// Config controls debouncing and the growth bound.
type Config struct {
	Debounce   time.Duration
	MaxTracked int
	Logger     zerolog.Logger
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:   DefaultDebounce,
		MaxTracked: DefaultMaxTracked,
		Logger:     zerolog.Nop(),
	}
}

// WidenRequest asks the fetch layer to re-issue its query for Keys.
type WidenRequest struct {
	ID         string   `json:"id"`
	Generation int      `json:"generation"`
	Keys       []string `json:"keys"`
	Added      []string `json:"added"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// Tracker is the per-view incremental fetch state. It is safe for
// concurrent use.
type Tracker struct {
	cfg     Config
	log     zerolog.Logger
	tracked *frontier.Set

	mu         sync.Mutex
	pending    map[string]struct{}
	dropped    map[string]struct{}
	truncated  bool
	generation int
	timer      *time.Timer
	closed     bool

	sendMu   sync.Mutex
	requests chan WidenRequest
}

// New returns a tracker seeded with keys.
func New(cfg Config, seeds ...model.ChainKey) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultMaxTracked
	}
	t := &Tracker{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "tracker").Logger(),
		tracked:  frontier.NewSet(),
		pending:  make(map[string]struct{}),
		dropped:  make(map[string]struct{}),
		requests: make(chan WidenRequest, 1),
	}
	for _, k := range seeds {
		if !k.IsZero() {
			t.tracked.Add(k.String())
		}
	}
	return t
}

// Requests delivers widen requests. At most one undelivered request is
// held; a newer one replaces it.
func (t *Tracker) Requests() <-chan WidenRequest { return t.requests }

// Tracked returns the tracked keys in sorted order.
func (t *Tracker) Tracked() []string { return t.tracked.Keys() }

// IsTracked reports whether key is tracked.
func (t *Tracker) IsTracked(key model.ChainKey) bool { return t.tracked.Has(key.String()) }

// Len returns the size of the tracked set.
func (t *Tracker) Len() int { return t.tracked.Len() }

// Err returns ErrThreadTooLarge once keys had to be dropped.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return ErrThreadTooLarge
	}
	return nil
}

// Frontier reports the keys still waiting to be committed.
func (t *Tracker) Frontier() frontier.Status {
	t.mu.Lock()
	pending := make([]string, 0, len(t.pending))
	for k := range t.pending {
		pending = append(pending, k)
	}
	truncated := t.truncated
	t.mu.Unlock()
	return frontier.ComputeStatus(pending, t.tracked, truncated)
}

// OnNewEvents inspects a batch and returns the keys it discovered that were
// neither tracked nor already pending. When it finds any, the debounce
// window is (re)armed.
func (t *Tracker) OnNewEvents(batch []*nostr.Event) []string {
	var referenced []string
	for _, ev := range batch {
		if ev == nil || model.IsRelated(ev.Kind) {
			continue
		}
		keys := t.relevantKeys(ev)
		referenced = append(referenced, keys...)
	}
	return t.enqueue(frontier.Compute(referenced, t.tracked))
}

// Track asks for keys the view navigated to directly, such as the parent of
// the current root. Untracked keys are queued like discovered ones.
func (t *Tracker) Track(keys ...model.ChainKey) []string {
	var ks []string
	for _, k := range keys {
		if !k.IsZero() {
			ks = append(ks, k.String())
		}
	}
	return t.enqueue(frontier.Compute(ks, t.tracked))
}

func (t *Tracker) enqueue(discovered []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	var fresh []string
	for _, k := range discovered {
		if _, ok := t.pending[k]; ok {
			continue
		}
		if _, ok := t.dropped[k]; ok {
			continue
		}
		t.pending[k] = struct{}{}
		fresh = append(fresh, k)
	}
	if len(fresh) > 0 {
		t.log.Debug().Int("discovered", len(fresh)).Int("pending", len(t.pending)).Msg("new keys")
		t.armLocked()
	}
	return fresh
}

// relevantKeys returns the keys ev contributes when it belongs to the
// tracked thread, or nil.
func (t *Tracker) relevantKeys(ev *nostr.Event) []string {
	own := chain.OwnKeys(ev)
	refs := tags.ParseThread(ev).References()

	relevant := false
	for _, k := range own {
		if t.tracked.Has(k.String()) {
			relevant = true
			break
		}
	}
	if !relevant {
		for _, r := range refs {
			if t.tracked.Has(r.Key().String()) {
				relevant = true
				break
			}
		}
	}
	if !relevant {
		return nil
	}

	keys := []string{model.EventKey(ev.ID).String()}
	for _, r := range refs {
		keys = append(keys, r.Key().String())
	}
	return keys
}

func (t *Tracker) armLocked() {
	if t.timer == nil {
		t.timer = time.AfterFunc(t.cfg.Debounce, t.fire)
		return
	}
	t.timer.Reset(t.cfg.Debounce)
}

func (t *Tracker) fire() {
	req, ok := t.Flush()
	if !ok {
		return
	}
	t.deliver(req)
}

func (t *Tracker) deliver(req WidenRequest) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	select {
	case t.requests <- req:
		return
	default:
	}
	// Replace the undelivered request. Keys is the full set, so only the
	// added lists need merging.
	select {
	case old := <-t.requests:
		req.Added = mergeSorted(old.Added, req.Added)
	default:
	}
	t.requests <- req
}

// Flush commits pending keys immediately, bypassing the debounce window.
// ok is false when nothing was added.
func (t *Tracker) Flush() (WidenRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.closed || len(t.pending) == 0 {
		return WidenRequest{}, false
	}

	pending := make([]string, 0, len(t.pending))
	for k := range t.pending {
		pending = append(pending, k)
	}
	slices.Sort(pending)
	t.pending = make(map[string]struct{})

	room := t.cfg.MaxTracked - t.tracked.Len()
	if room < 0 {
		room = 0
	}
	if len(pending) > room {
		for _, k := range pending[room:] {
			t.dropped[k] = struct{}{}
		}
		if !t.truncated {
			t.log.Warn().Int("max_tracked", t.cfg.MaxTracked).Int("dropped", len(pending)-room).
				Msg("tracked set bound reached")
		}
		t.truncated = true
		pending = pending[:room]
	}
	if len(pending) == 0 {
		return WidenRequest{}, false
	}

	t.tracked.Add(pending...)
	t.generation++
	req := WidenRequest{
		ID:         uuid.NewString(),
		Generation: t.generation,
		Keys:       t.tracked.Keys(),
		Added:      pending,
		Truncated:  t.truncated,
	}
	t.log.Debug().Str("request", req.ID).Int("generation", req.Generation).
		Int("added", len(req.Added)).Int("tracked", len(req.Keys)).Msg("widen")
	return req, true
}

// Close stops the debounce timer. Pending keys are discarded.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func mergeSorted(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
