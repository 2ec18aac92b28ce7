// Package tree lays a chain map out as a bounded, tiered reply tree.
//
// Nodes closer to the root than EagerDepth are always expanded. Deeper nodes
// are collapsed unless the active event sits inside their subtree, so the
// path to the event the reader is looking at is always visible.
package tree

import (
	"github.com/daviddao/threadweave/pkg/chain"
	"github.com/nbd-wtf/go-nostr"
)

// Defaults for Options.
const (
	DefaultEagerDepth = 2
	DefaultMaxNodes   = 500
)

// Options bounds the layout.
type Options struct {
	EagerDepth int
	MaxNodes   int
}

// DefaultOptions returns the default layout bounds.
func DefaultOptions() Options {
	return Options{EagerDepth: DefaultEagerDepth, MaxNodes: DefaultMaxNodes}
}

// Node is one event in the laid-out tree.
type Node struct {
	Event     *nostr.Event `json:"event"`
	Depth     int          `json:"depth"`
	Highlight bool         `json:"highlight,omitempty"`
	Collapsed bool         `json:"collapsed,omitempty"`
	// Hidden counts descendants left out because the node is collapsed.
	Hidden   int     `json:"hidden,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Tree is the result of Build.
type Tree struct {
	Root      *Node `json:"root"`
	Count     int   `json:"count"`
	Truncated bool  `json:"truncated,omitempty"`
}

// Build lays out the subtree of root. active is the id of the event to
// highlight and keep expanded. A nil root yields a nil tree.
func Build(chains chain.Map, root *nostr.Event, active string, opts Options) *Tree {
	if root == nil {
		return nil
	}
	if opts.EagerDepth <= 0 {
		opts.EagerDepth = DefaultEagerDepth
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = DefaultMaxNodes
	}

	t := &Tree{Root: &Node{Event: root, Highlight: root.ID == active}, Count: 1}
	visited := map[string]struct{}{root.ID: {}}
	queue := []*Node{t.Root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, child := range chains.Children(n.Event) {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			if t.Count >= opts.MaxNodes {
				t.Truncated = true
				break
			}
			visited[child.ID] = struct{}{}
			c := &Node{Event: child, Depth: n.Depth + 1, Highlight: child.ID == active}
			n.Children = append(n.Children, c)
			queue = append(queue, c)
			t.Count++
		}
	}

	collapse(t.Root, opts.EagerDepth)
	return t
}

// collapse folds nodes at or below eager depth that do not lead to the
// highlighted node. It reports whether n's subtree holds the highlight.
func collapse(n *Node, eager int) bool {
	holds := n.Highlight
	for _, c := range n.Children {
		if collapse(c, eager) {
			holds = true
		}
	}
	if n.Depth >= eager && !holds && len(n.Children) > 0 {
		n.Hidden = count(n) - 1
		n.Children = nil
		n.Collapsed = true
	}
	return holds
}

func count(n *Node) int {
	total := 1 + n.Hidden
	for _, c := range n.Children {
		total += count(c)
	}
	return total
}

// Walk visits the nodes depth-first in display order.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		Walk(c, fn)
	}
}

// Replies lists the immediate replies to ev in display order.
func Replies(chains chain.Map, ev *nostr.Event) []*nostr.Event {
	if ev == nil {
		return nil
	}
	return chains.Children(ev)
}
