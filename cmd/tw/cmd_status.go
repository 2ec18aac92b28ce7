package main

import (
	"fmt"
	"slices"

	"github.com/daviddao/threadweave/pkg/config"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// cacheStatus is what `tw status` reports.
type cacheStatus struct {
	DB     string        `json:"db"`
	Events int64         `json:"events"`
	Kinds  map[int]int64 `json:"kinds"`
	Mutes  int           `json:"mutes"`
	Relays []string      `json:"relays"`
}

func statusCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache contents and configured relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			kinds, err := a.store.CountByKind()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			st := cacheStatus{
				DB:     a.cfg.DB.Path,
				Events: a.store.CountEvents(),
				Kinds:  kinds,
				Mutes:  len(a.mutes.PubKeys()),
				Relays: a.cfg.Relays,
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "db: %s\n", st.DB)
			fmt.Fprintf(out, "events: %s\n", humanize.Comma(st.Events))
			keys := make([]int, 0, len(kinds))
			for k := range kinds {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  kind %-5d %s\n", k, humanize.Comma(kinds[k]))
			}
			fmt.Fprintf(out, "muted authors: %d\n", st.Mutes)
			if len(st.Relays) == 0 {
				fmt.Fprintln(out, "relays: none (offline only)")
			} else {
				fmt.Fprintln(out, "relays:")
				for _, r := range st.Relays {
					fmt.Fprintf(out, "  %s\n", r)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func initCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample threadweave.toml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "threadweave.toml"
			if len(args) == 1 {
				path = args[0]
			} else if root.configPath != "" {
				path = root.configPath
			}
			if err := config.InitConfig(path); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
