package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

// importResult summarises one import run.
type importResult struct {
	Read     int `json:"read"`
	Inserted int `json:"inserted"`
	Existing int `json:"existing"`
	Invalid  int `json:"invalid"`
}

func importCmd(root *rootOptions) *cobra.Command {
	var (
		verify  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "import <file.jsonl|->",
		Short: "Load events into the local cache",
		Long: `Read one JSON event per line and store it in the cache.

Lines that do not parse, or whose id does not match their content, are
skipped and counted as invalid. With --verify the signature is checked too.
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("import: %w", err)
				}
				defer f.Close()
				in = f
			}

			res, err := a.importEvents(in, verify)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d events (%d already cached, %d invalid)\n",
				res.Inserted, res.Existing, res.Invalid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check event signatures")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) importEvents(in io.Reader, verify bool) (importResult, error) {
	var res importResult
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		res.Read++

		var ev nostr.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			a.log.Debug().Int("line", line).Err(err).Msg("skipping unparseable line")
			res.Invalid++
			continue
		}
		if !validEvent(&ev, verify) {
			a.log.Debug().Int("line", line).Str("id", ev.ID).Msg("skipping invalid event")
			res.Invalid++
			continue
		}
		inserted, err := a.store.SaveEvent(&ev)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Existing++
		}
	}
	if err := sc.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// validEvent checks the id commits to the content and, with verify, that
// the signature is good.
func validEvent(ev *nostr.Event, verify bool) bool {
	if !nostr.IsValid32ByteHex(ev.ID) || !nostr.IsValid32ByteHex(ev.PubKey) {
		return false
	}
	if ev.GetID() != ev.ID {
		return false
	}
	if verify {
		ok, err := ev.CheckSignature()
		return err == nil && ok
	}
	return true
}
