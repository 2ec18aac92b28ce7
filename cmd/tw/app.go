package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/daviddao/threadweave/pkg/config"
	"github.com/daviddao/threadweave/pkg/feed"
	"github.com/daviddao/threadweave/pkg/model"
	"github.com/daviddao/threadweave/pkg/moderation"
	"github.com/daviddao/threadweave/pkg/relay"
	"github.com/daviddao/threadweave/pkg/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg   *config.Config
	store *store.Store
	mutes *moderation.List
	log   zerolog.Logger
}

// newApp loads the configuration, opens the cache and loads the mute list.
// Creates the database directory if it does not exist.
func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.DB.Path = opts.dbPath
	}

	logger := log.Logger
	if opts.logLevel == "" {
		if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			logger = logger.Level(lvl)
		}
	}

	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(cfg.DB.Path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.DB.Path, err)
	}

	muted, err := s.ListMutes()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load mutes: %w", err)
	}
	pubkeys := make([]string, len(muted))
	for i, m := range muted {
		pubkeys[i] = m.PubKey
	}

	return &app{
		cfg:   cfg,
		store: s,
		mutes: moderation.NewList(s, pubkeys...),
		log:   logger,
	}, nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// source returns where a thread view reads events from: the cache alone
// when offline, otherwise the cache merged with relays whose events are
// written back to the cache. The returned func releases relay connections.
func (a *app) source(relays []string, offline bool) (feed.Source, func()) {
	if offline || len(relays) == 0 {
		return a.store, func() {}
	}
	rs := relay.New(relays,
		relay.WithLogger(a.log),
		relay.WithRate(a.cfg.Fetch.RatePerSec, a.cfg.Fetch.Burst),
	)
	return feed.Merge(a.store, feed.Tee(rs, a.store, a.log)), rs.Close
}

// parseRef turns a thread reference into a seed key plus relay hints.
// Accepted forms: 64-char hex id, note1, nevent1, naddr1 (with or without
// a nostr: prefix) and the "e:<id>" / "a:<kind:pubkey:d>" key form.
func parseRef(ref string) (model.ChainKey, []string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "nostr:")
	if nostr.IsValid32ByteHex(ref) {
		return model.EventKey(ref), nil, nil
	}
	if key, ok := model.ParseChainKey(ref); ok {
		if key.Kind == model.RefAddress {
			if _, ok := model.ParseAddress(key.Value); !ok {
				return model.ChainKey{}, nil, fmt.Errorf("invalid address %q", key.Value)
			}
		}
		return key, nil, nil
	}

	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return model.ChainKey{}, nil, fmt.Errorf("unrecognised reference %q: %w", ref, err)
	}
	switch prefix {
	case "note":
		id, _ := value.(string)
		return model.EventKey(id), nil, nil
	case "nevent":
		ptr, ok := value.(nostr.EventPointer)
		if !ok {
			return model.ChainKey{}, nil, fmt.Errorf("malformed nevent %q", ref)
		}
		return model.EventKey(ptr.ID), ptr.Relays, nil
	case "naddr":
		ptr, ok := value.(nostr.EntityPointer)
		if !ok {
			return model.ChainKey{}, nil, fmt.Errorf("malformed naddr %q", ref)
		}
		addr := model.Address{Kind: ptr.Kind, PubKey: ptr.PublicKey, D: ptr.Identifier}
		return addr.Key(), ptr.Relays, nil
	}
	return model.ChainKey{}, nil, fmt.Errorf("reference %q: %s is not an event", ref, prefix)
}

// parsePubKey accepts a hex pubkey or an npub.
func parsePubKey(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "nostr:")
	if nostr.IsValid32ByteHex(s) {
		return s, nil
	}
	prefix, value, err := nip19.Decode(s)
	if err != nil || prefix != "npub" {
		return "", fmt.Errorf("invalid pubkey %q", s)
	}
	pk, _ := value.(string)
	return pk, nil
}

// mergeRelays appends extra to base without duplicates, keeping order.
func mergeRelays(base []string, extra ...[]string) []string {
	seen := make(map[string]struct{}, len(base))
	var out []string
	add := func(urls []string) {
		for _, u := range urls {
			u = strings.TrimRight(u, "/")
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	add(base)
	for _, e := range extra {
		add(e)
	}
	return out
}

// shortID abbreviates a hex id or pubkey for text output.
func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
