package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func logCmd(root *rootOptions) *cobra.Command {
	var (
		kinds   []int
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List cached events, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.store.ListEvents(kinds, limit)
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]interface{}{"events": events, "count": len(events)})
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			now := time.Now()
			for _, ev := range events {
				fmt.Fprintf(out, "[%s] kind=%-5d %s %s: %s\n",
					humanize.RelTime(ev.CreatedAt.Time(), now, "ago", "from now"),
					ev.Kind, shortID(ev.ID), shortID(ev.PubKey), summary(ev))
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&kinds, "kind", nil, "only these kinds (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}
