package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/daviddao/threadweave/pkg/session"
	"github.com/daviddao/threadweave/pkg/tracker"
	"github.com/daviddao/threadweave/pkg/tree"
	"github.com/dustin/go-humanize"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

type threadOptions struct {
	relays  []string
	offline bool
	timeout time.Duration
	depth   int
	jsonOut bool
	watch   bool
}

func threadCmd(root *rootOptions) *cobra.Command {
	opts := &threadOptions{}
	cmd := &cobra.Command{
		Use:   "thread <ref>",
		Short: "Show the reply tree around an event",
		Long: `Fetch and display the thread an event belongs to.

<ref> is a hex event id, note1..., nevent1..., naddr1..., or a key of the
form e:<id> / a:<kind>:<pubkey>:<d>. Relay hints inside nevent/naddr are
queried along with the configured relays.

Without --watch the command waits until no new references turn up or
--timeout passes, then prints the tree once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runThread(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.relays, "relay", nil, "relay url to query (repeatable, added to config relays)")
	f.BoolVar(&opts.offline, "offline", false, "read only from the local cache")
	f.DurationVar(&opts.timeout, "timeout", 0, "give up waiting after this long (default fetch.timeout)")
	f.IntVar(&opts.depth, "depth", 0, "expand this many tiers eagerly (default tree.eager_depth)")
	f.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	f.BoolVar(&opts.watch, "watch", false, "keep subscriptions open and reprint on change until interrupted")
	return cmd
}

func (a *app) runThread(cmd *cobra.Command, ref string, opts *threadOptions) error {
	seed, hints, err := parseRef(ref)
	if err != nil {
		return fmt.Errorf("thread: %w", err)
	}

	src, closeSrc := a.source(mergeRelays(a.cfg.Relays, opts.relays, hints), opts.offline)
	defer closeSrc()

	sess := session.New(seed, src, a.mutes,
		session.WithLogger(a.log),
		session.WithTracker(tracker.Config{
			Debounce:   a.cfg.Tracker.Debounce,
			MaxTracked: a.cfg.Tracker.MaxTracked,
		}),
		session.WithReactions(a.cfg.Thread.Reactions),
		session.WithLive(opts.watch),
	)
	defer sess.Close()

	treeOpts := tree.Options{EagerDepth: a.cfg.Tree.EagerDepth, MaxNodes: a.cfg.Tree.MaxNodes}
	if opts.depth > 0 {
		treeOpts.EagerDepth = opts.depth
	}
	out := cmd.OutOrStdout()

	if opts.watch {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return a.watchThread(ctx, out, sess, treeOpts, opts.jsonOut)
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = a.cfg.Fetch.Timeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := sess.Run(ctx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("thread: %w", err)
		}
		a.log.Warn().Dur("timeout", timeout).Msg("thread did not converge before the timeout")
	}

	vs := sess.Snapshot()
	if vs.Root == nil {
		return fmt.Errorf("thread: %s not found", seed)
	}
	return renderView(out, sess, vs, treeOpts, opts.jsonOut, time.Now())
}

// watchThread reprints the view each time the session changes.
func (a *app) watchThread(ctx context.Context, out io.Writer, sess *session.Session, treeOpts tree.Options, jsonOut bool) error {
	errc := make(chan error, 1)
	go func() { errc <- sess.Run(ctx) }()

	var printed uint64
	for {
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("thread: %w", err)
			}
			return nil
		case <-sess.Updates():
			vs := sess.Snapshot()
			if vs.Root == nil || vs.Version == printed {
				continue
			}
			printed = vs.Version
			if !jsonOut {
				fmt.Fprintf(out, "--- %s ---\n", time.Now().Format("15:04:05"))
			}
			if err := renderView(out, sess, vs, treeOpts, jsonOut, time.Now()); err != nil {
				return err
			}
		}
	}
}

// renderView prints a snapshot as JSON or as an indented tree.
func renderView(out io.Writer, sess *session.Session, vs session.ViewState, treeOpts tree.Options, jsonOut bool, now time.Time) error {
	t := sess.Tree(treeOpts)
	if jsonOut {
		return printJSON(out, map[string]interface{}{
			"view": vs,
			"tree": t,
		})
	}
	renderTree(out, t, func(id string) int { return len(sess.Reactions(id)) }, now)
	renderFooter(out, vs, t)
	return nil
}

func renderTree(out io.Writer, t *tree.Tree, reactions func(id string) int, now time.Time) {
	if t == nil {
		return
	}
	tree.Walk(t.Root, func(n *tree.Node) {
		marker := "-"
		if n.Highlight {
			marker = ">"
		}
		line := fmt.Sprintf("%s%s %s %s %s",
			strings.Repeat("  ", n.Depth), marker,
			shortID(n.Event.ID), shortID(n.Event.PubKey),
			humanize.RelTime(n.Event.CreatedAt.Time(), now, "ago", "from now"))
		if r := reactions(n.Event.ID); r > 0 {
			line += fmt.Sprintf(" (+%d)", r)
		}
		line += ": " + summary(n.Event)
		if n.Collapsed {
			line += fmt.Sprintf(" [%d more]", n.Hidden)
		}
		fmt.Fprintln(out, line)
	})
}

func renderFooter(out io.Writer, vs session.ViewState, t *tree.Tree) {
	for _, key := range vs.Broken {
		fmt.Fprintf(out, "missing parent %s (%d replies)\n", shortKey(key.String()), len(vs.Chains.ChildrenOf(key)))
	}
	if vs.Parent != nil {
		fmt.Fprintf(out, "in reply to %s\n", shortKey(vs.Parent.String()))
	}
	if vs.Muted > 0 {
		fmt.Fprintf(out, "%d events from muted authors hidden\n", vs.Muted)
	}
	if vs.Truncated {
		fmt.Fprintln(out, "thread too large: not every reply was fetched")
	}
	if t != nil && t.Truncated {
		fmt.Fprintf(out, "showing the first %d events\n", t.Count)
	}
	if !vs.Converged {
		fmt.Fprintln(out, "still loading")
	}
}

// summary is the first line of ev's content, cut to 80 runes.
func summary(ev *nostr.Event) string {
	line, _, _ := strings.Cut(strings.TrimSpace(ev.Content), "\n")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80]) + "..."
	}
	return line
}

// shortKey abbreviates the value part of a chain key string.
func shortKey(k string) string {
	kind, value, ok := strings.Cut(k, ":")
	if !ok || kind == "a" || kind == "i" {
		return k
	}
	return kind + ":" + shortID(value)
}
