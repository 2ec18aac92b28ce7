// Package tags extracts thread structure from an event's tags.
//
// Three tag conventions are in use on the network and each event is
// dispatched to exactly one of them:
//
//   - comment: kind 1111 events (NIP-22). Uppercase E/A/I tags name the root
//     scope, the first lowercase e/a/i tag is the direct parent.
//   - marked: any parent tag carries a "root", "reply" or "mention" marker at
//     index 3 (NIP-10). Only marked tags are used.
//   - legacy: no markers. The first parent tag is the root, the second the
//     reply, the rest are mentions.
//
// Parsing never fails. Tags with the wrong shape are skipped and whatever
// could be read is returned.
package tags

import (
	"strings"

	"github.com/daviddao/threadweave/pkg/model"
	"github.com/nbd-wtf/go-nostr"
)

// ParseThread returns the structured reference set of ev.
func ParseThread(ev *nostr.Event) model.ThreadInfo {
	info := model.ThreadInfo{
		Variant:          model.VariantNone,
		MentionedAuthors: mentionedAuthors(ev.Tags),
	}
	if ev.Kind == model.KindComment {
		parseComment(ev.Tags, &info)
	} else {
		parseReply(ev.Tags, &info)
	}
	info.Mentions = append(info.Mentions, quotes(ev.Tags)...)
	return info
}

func parseComment(tags nostr.Tags, info *model.ThreadInfo) {
	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}
		upper := strings.ToUpper(tag[0])
		kind, ok := parentKind(strings.ToLower(tag[0]))
		if !ok {
			continue
		}
		ref, ok := parseRef(kind, tag)
		if !ok {
			continue
		}
		ref.Marker = model.MarkerNone
		if tag[0] == upper {
			if info.Root == nil {
				info.Root = &ref
			}
		} else if info.ReplyTo == nil {
			info.ReplyTo = &ref
		}
	}
	if info.Root != nil || info.ReplyTo != nil {
		info.Variant = model.VariantComment
	}
}

func parseReply(tags nostr.Tags, info *model.ThreadInfo) {
	var refs []model.Reference
	marked := false
	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}
		kind, ok := parentKind(tag[0])
		if !ok {
			continue
		}
		ref, ok := parseRef(kind, tag)
		if !ok {
			continue
		}
		if ref.Marker != model.MarkerNone {
			marked = true
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return
	}

	if marked {
		info.Variant = model.VariantMarked
		for i := range refs {
			ref := refs[i]
			switch ref.Marker {
			case model.MarkerRoot:
				if info.Root == nil {
					info.Root = &ref
				}
			case model.MarkerReply:
				if info.ReplyTo == nil {
					info.ReplyTo = &ref
				}
			case model.MarkerMention:
				info.Mentions = append(info.Mentions, ref)
			default:
				// Unmarked tags in a marked event are dropped.
				info.Mixed = true
			}
		}
		return
	}

	info.Variant = model.VariantLegacy
	root := refs[0]
	info.Root = &root
	if len(refs) > 1 {
		reply := refs[1]
		info.ReplyTo = &reply
	}
	if len(refs) > 2 {
		info.Mentions = append(info.Mentions, refs[2:]...)
	}
}

func parentKind(name string) (model.RefKind, bool) {
	switch name {
	case "e":
		return model.RefEvent, true
	case "a":
		return model.RefAddress, true
	case "i":
		return model.RefIdentifier, true
	}
	return "", false
}

// parseRef validates the value at index 1 for kind and reads the optional
// relay hint and marker.
func parseRef(kind model.RefKind, tag nostr.Tag) (model.Reference, bool) {
	value := strings.TrimSpace(tag[1])
	switch kind {
	case model.RefEvent:
		if !nostr.IsValid32ByteHex(value) {
			return model.Reference{}, false
		}
	case model.RefAddress:
		addr, ok := model.ParseAddress(value)
		if !ok {
			return model.Reference{}, false
		}
		value = addr.String()
	case model.RefIdentifier:
		if value == "" {
			return model.Reference{}, false
		}
	}
	ref := model.Reference{Kind: kind, Value: value}
	if len(tag) > 2 {
		ref.Relay = tag[2]
	}
	if len(tag) > 3 && kind != model.RefIdentifier {
		ref.Marker = parseMarker(tag[3])
	}
	return ref, true
}

func parseMarker(s string) model.Marker {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "root":
		return model.MarkerRoot
	case "reply":
		return model.MarkerReply
	case "mention":
		return model.MarkerMention
	}
	return model.MarkerNone
}

func mentionedAuthors(tags nostr.Tags) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tag := range tags {
		if len(tag) < 2 || (tag[0] != "p" && tag[0] != "P") {
			continue
		}
		if !nostr.IsValid32ByteHex(tag[1]) {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		out = append(out, tag[1])
	}
	return out
}

// quotes returns "q" tags as event mentions.
func quotes(tags nostr.Tags) []model.Reference {
	var out []model.Reference
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "q" {
			continue
		}
		kind := model.RefEvent
		if strings.Contains(tag[1], ":") {
			kind = model.RefAddress
		}
		ref, ok := parseRef(kind, tag)
		if !ok {
			continue
		}
		ref.Marker = model.MarkerMention
		out = append(out, ref)
	}
	return out
}
