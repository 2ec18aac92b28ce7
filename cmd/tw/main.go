// Command tw is the threadweave CLI: it reconstructs nostr reply threads
// from a local SQLite cache and a set of relays.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tw: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tw",
		Short: "Reconstruct nostr reply threads",
		Long: `tw rebuilds the reply tree of a nostr conversation.

Events come from a local SQLite cache and, unless --offline is given, from
relays. Every event fetched from a relay is written back to the cache, so a
thread that was viewed once can be browsed offline later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			log.Logger = l
			return nil
		},
	}
	root.Version = version
	root.SetVersionTemplate("tw {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ./threadweave.toml or ~/.threadweave.toml)")
	pf.StringVar(&opts.dbPath, "db", "", "cache database path (overrides db.path)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	// Setup
	root.AddCommand(initCmd(opts))

	// Threads
	root.AddCommand(threadCmd(opts))

	// Cache
	root.AddCommand(importCmd(opts))
	root.AddCommand(logCmd(opts))
	root.AddCommand(statusCmd(opts))

	// Moderation
	root.AddCommand(muteCmd(opts))
	root.AddCommand(unmuteCmd(opts))
	root.AddCommand(mutesCmd(opts))

	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tw version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tw", version)
		},
	}
}

// newLogger returns a console logger on w. An empty level means warn until
// the config is loaded.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	l := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	if level == "" {
		return l.Level(zerolog.WarnLevel), nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return l, fmt.Errorf("log level %q: %w", level, err)
	}
	return l.Level(lvl), nil
}
