package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/threadweave/pkg/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func muteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mute <pubkey|npub>",
		Short: "Hide an author from every thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePubKey(args[0])
			if err != nil {
				return fmt.Errorf("mute: %w", err)
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.mutes.Mute(pk); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "muted %s\n", pk)
			return nil
		},
	}
}

func unmuteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unmute <pubkey|npub>",
		Short: "Show a muted author again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePubKey(args[0])
			if err != nil {
				return fmt.Errorf("unmute: %w", err)
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.mutes.Unmute(pk); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("unmute: %s is not muted", pk)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unmuted %s\n", pk)
			return nil
		},
	}
}

func mutesCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "mutes",
		Short: "List muted authors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			mutes, err := a.store.ListMutes()
			if err != nil {
				return fmt.Errorf("mutes: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]interface{}{"mutes": mutes, "count": len(mutes)})
			}
			if len(mutes) == 0 {
				fmt.Fprintln(out, "no muted authors")
				return nil
			}
			now := time.Now()
			for _, m := range mutes {
				fmt.Fprintf(out, "%s  muted %s\n", m.PubKey, humanize.RelTime(m.CreatedAt, now, "ago", "from now"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}
