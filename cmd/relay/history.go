package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/history"
)

var (
	historyLimit int
	historySince string
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "history",
	Short:   "List recorded change sets",
	Long: `List recorded events, newest first.

--since accepts natural language ("yesterday", "2 hours ago", "last monday"),
a duration ("90m") or a date ("2024-05-01").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := history.ListOptions{Limit: historyLimit}
		if historySince != "" {
			since, err := parseSince(historySince, time.Now())
			if err != nil {
				return err
			}
			opts.Since = since
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.ledger.List(ctx, opts)
		if err != nil {
			return err
		}
		printer().Events(events)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show the actions of one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ev, err := a.ledger.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printer().Event(ev)
		return nil
	},
}

// parseSince turns a user-supplied point in time into a timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of events (0 for all)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only events after this time")
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}
