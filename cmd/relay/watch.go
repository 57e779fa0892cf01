package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/watch"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Sync continuously as files change",
	Long: `Run a full sync, then watch every location and sync each resource
shortly after it stops changing.

Each change restarts that resource's debounce timer (watch.debounce, default
300ms). Edits to the same resource from two tools within two seconds are
reported; the newest still wins. Stop with Ctrl-C: pending changes are
dropped and picked up by the next start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := watch.DefaultConfig()
		cfg.Debounce = a.cfg.Watch.Debounce
		if cmd.Flags().Changed("debounce") {
			cfg.Debounce = watchDebounce
		}
		cfg.Logger = a.log.Logger

		return watch.NewWithConfig(a.syncer, a.cfg.Locations(), cfg).Start(ctx)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 300*time.Millisecond, "quiet period before a changed resource is synced")
	rootCmd.AddCommand(watchCmd)
}
