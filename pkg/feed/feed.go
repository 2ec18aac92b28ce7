// Package feed is the boundary between the thread engine and wherever
// events come from: the local cache, relays, or both.
package feed

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/daviddao/threadweave/pkg/model"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// Source answers nostr filter queries. The returned channel is closed when
// the query ends: after the stored events are exhausted, or, with keepOpen,
// when ctx is done.
type Source interface {
	Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error)
}

// Sink persists events seen by a Tee.
type Sink interface {
	SaveEvent(ev *nostr.Event) (bool, error)
}

// ThreadKinds are the kinds fetched as replies.
var ThreadKinds = []int{model.KindTextNote, model.KindComment}

// RelatedKinds are the kinds fetched as reactions to thread events.
var RelatedKinds = []int{
	model.KindDeletion,
	model.KindRepost,
	model.KindReaction,
	model.KindGenericRepost,
	model.KindZapReceipt,
}

// Filters translates tracked chain keys into nostr filters. For every key it
// asks for the event itself and for events replying to it, and with
// withRelated also for reactions to it. Unparseable keys are skipped.
func Filters(keys []string, withRelated bool) []nostr.Filter {
	var ids, addrs, idents []string
	var lookups []nostr.Filter
	for _, s := range keys {
		k, ok := model.ParseChainKey(s)
		if !ok {
			continue
		}
		switch k.Kind {
		case model.RefEvent:
			ids = append(ids, k.Value)
		case model.RefAddress:
			addr, ok := model.ParseAddress(k.Value)
			if !ok {
				continue
			}
			addrs = append(addrs, addr.String())
			lookups = append(lookups, nostr.Filter{
				Kinds:   []int{addr.Kind},
				Authors: []string{addr.PubKey},
				Tags:    nostr.TagMap{"d": []string{addr.D}},
			})
		case model.RefIdentifier:
			idents = append(idents, k.Value)
		}
	}
	slices.Sort(ids)
	slices.Sort(addrs)
	slices.Sort(idents)

	var out []nostr.Filter
	if len(ids) > 0 {
		out = append(out,
			nostr.Filter{IDs: ids},
			nostr.Filter{Kinds: ThreadKinds, Tags: nostr.TagMap{"e": ids}},
			nostr.Filter{Kinds: []int{model.KindComment}, Tags: nostr.TagMap{"E": ids}},
		)
		if withRelated {
			out = append(out, nostr.Filter{Kinds: RelatedKinds, Tags: nostr.TagMap{"e": ids}})
		}
	}
	if len(addrs) > 0 {
		out = append(out, lookups...)
		out = append(out,
			nostr.Filter{Kinds: ThreadKinds, Tags: nostr.TagMap{"a": addrs}},
			nostr.Filter{Kinds: []int{model.KindComment}, Tags: nostr.TagMap{"A": addrs}},
		)
		if withRelated {
			out = append(out, nostr.Filter{Kinds: RelatedKinds, Tags: nostr.TagMap{"a": addrs}})
		}
	}
	if len(idents) > 0 {
		out = append(out,
			nostr.Filter{Kinds: []int{model.KindComment}, Tags: nostr.TagMap{"i": idents}},
			nostr.Filter{Kinds: []int{model.KindComment}, Tags: nostr.TagMap{"I": idents}},
		)
	}
	return out
}

// Merge fans several sources into one. Events are forwarded as they arrive
// and not deduplicated; consumers already ignore redelivery.
func Merge(sources ...Source) Source { return merged(sources) }

type merged []Source

func (m merged) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	var chans []<-chan *nostr.Event
	var errs []error
	for _, src := range m {
		ch, err := src.Query(ctx, filters, keepOpen)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all sources failed: %w", errs[0])
	}

	out := make(chan *nostr.Event)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan *nostr.Event) {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Tee returns a source that saves every event src yields into sink before
// passing it on. Save failures are logged and do not interrupt the stream.
func Tee(src Source, sink Sink, logger zerolog.Logger) Source {
	return &tee{src: src, sink: sink, log: logger.With().Str("component", "tee").Logger()}
}

type tee struct {
	src  Source
	sink Sink
	log  zerolog.Logger
}

func (t *tee) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	in, err := t.src.Query(ctx, filters, keepOpen)
	if err != nil {
		return nil, err
	}
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for ev := range in {
			if _, err := t.sink.SaveEvent(ev); err != nil {
				t.log.Warn().Err(err).Str("event", ev.ID).Msg("cache event")
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Collect drains ch into a slice.
func Collect(ch <-chan *nostr.Event) []*nostr.Event {
	var out []*nostr.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// Static is an in-memory Source over a fixed slice of events, matched with
// nostr.Filter.Matches. Keep-open queries stay open until ctx is done.
type Static []*nostr.Event

// Query implements Source.
func (s Static) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for _, ev := range s {
			if !matchesAny(filters, ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if keepOpen {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
