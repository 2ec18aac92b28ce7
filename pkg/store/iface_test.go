package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/daviddao/threadweave/internal/fixture"
	"github.com/nbd-wtf/go-nostr"
)

// TestStoreImplementsInterface verifies at runtime that *Store satisfies
// StoreInterface by calling every method on a real store.
func TestStoreImplementsInterface(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var iface StoreInterface = s

	// Events
	ok, err := iface.SaveEvent(fixture.Note(1, 1, 100))
	if err != nil || !ok {
		t.Fatalf("SaveEvent: ok=%v err=%v", ok, err)
	}
	n, err := iface.SaveEvents([]*nostr.Event{fixture.Reply(2, 2, 110, 1), fixture.Note(1, 1, 100)})
	if err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 new event, got %d", n)
	}
	if _, err := iface.GetEvent(fixture.ID(2)); err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	events, err := iface.ListEvents(nil, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
	tail, last, err := iface.ListEventsSinceSeq(0, 10)
	if err != nil {
		t.Fatalf("ListEventsSinceSeq: %v", err)
	}
	if len(tail) != 2 || last != iface.MaxSeq() {
		t.Errorf("expected 2 events up to seq %d, got %d up to %d", iface.MaxSeq(), len(tail), last)
	}
	if c := iface.CountEvents(); c != 2 {
		t.Errorf("expected CountEvents=2, got %d", c)
	}
	kinds, err := iface.CountByKind()
	if err != nil {
		t.Fatalf("CountByKind: %v", err)
	}
	if kinds[1] != 2 {
		t.Errorf("expected 2 kind-1 events, got %d", kinds[1])
	}
	matched, err := iface.QueryEvents(nostr.Filter{Tags: nostr.TagMap{"e": []string{fixture.ID(1)}}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(matched) != 1 {
		t.Errorf("expected 1 reply, got %d", len(matched))
	}
	ch, err := iface.Query(context.Background(), []nostr.Filter{{IDs: []string{fixture.ID(1)}}}, false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := 0
	for range ch {
		got++
	}
	if got != 1 {
		t.Errorf("expected 1 streamed event, got %d", got)
	}

	// Mutes
	if err := iface.Mute(fixture.PK(9)); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	mutes, err := iface.ListMutes()
	if err != nil {
		t.Fatalf("ListMutes: %v", err)
	}
	if len(mutes) != 1 {
		t.Errorf("expected 1 mute, got %d", len(mutes))
	}
	if err := iface.Unmute(fixture.PK(9)); err != nil {
		t.Fatalf("Unmute: %v", err)
	}
}
