// Package relay serves feed queries from nostr relays through a go-nostr
// SimplePool. Subscriptions are rate limited so that a thread widening
// several times in a row does not flood the relays.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNoRelays is returned by Query when no relay urls are configured.
var ErrNoRelays = errors.New("no relays configured")

// Pool is the part of nostr.SimplePool the source uses.
type Pool interface {
	SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter, opts ...nostr.SubscriptionOption) chan nostr.RelayEvent
	FetchMany(ctx context.Context, urls []string, filter nostr.Filter, opts ...nostr.SubscriptionOption) chan nostr.RelayEvent
}

// Source is a feed.Source backed by relays.
type Source struct {
	pool    Pool
	urls    []string
	limiter *rate.Limiter
	log     zerolog.Logger
	cancel  context.CancelFunc
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) { s.log = l.With().Str("component", "relay").Logger() }
}

// WithRate limits subscriptions to perSec with the given burst.
func WithRate(perSec float64, burst int) Option {
	return func(s *Source) { s.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// WithPool replaces the relay pool.
func WithPool(p Pool) Option {
	return func(s *Source) { s.pool = p }
}

// New returns a source querying urls. The pool lives until Close.
func New(urls []string, opts ...Option) *Source {
	s := &Source{
		urls:    urls,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.pool = nostr.NewSimplePool(ctx)
		s.cancel = cancel
	}
	return s
}

// Close releases the relay connections.
func (s *Source) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// URLs returns the configured relay urls.
func (s *Source) URLs() []string { return s.urls }

// Query implements feed.Source. One subscription is opened per filter and
// the results are merged; an event delivered by several relays or filters
// is passed on once.
func (s *Source) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	if len(s.urls) == 0 {
		return nil, ErrNoRelays
	}
	label := uuid.NewString()[:8]
	log := s.log.With().Str("sub", label).Bool("live", keepOpen).Logger()
	log.Debug().Int("filters", len(filters)).Int("relays", len(s.urls)).Msg("subscribe")

	var chans []chan nostr.RelayEvent
	for _, f := range filters {
		if err := s.limiter.Wait(ctx); err != nil {
			for _, ch := range chans {
				go drain(ch)
			}
			return nil, err
		}
		if keepOpen {
			chans = append(chans, s.pool.SubscribeMany(ctx, s.urls, f))
		} else {
			chans = append(chans, s.pool.FetchMany(ctx, s.urls, f))
		}
	}

	out := make(chan *nostr.Event)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for _, ch := range chans {
		wg.Add(1)
		go func(ch chan nostr.RelayEvent) {
			defer wg.Done()
			for re := range ch {
				if re.Event == nil {
					continue
				}
				mu.Lock()
				_, dup := seen[re.Event.ID]
				seen[re.Event.ID] = struct{}{}
				mu.Unlock()
				if dup {
					continue
				}
				select {
				case out <- re.Event:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		log.Debug().Int("events", len(seen)).Msg("subscription closed")
		close(out)
	}()
	return out, nil
}

func drain(ch chan nostr.RelayEvent) {
	for range ch {
	}
}
