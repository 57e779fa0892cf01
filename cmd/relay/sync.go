package main

import (
	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/sync"
)

var syncPlan bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile every location once",
	Long: `Bring every copy of every resource to the newest version.

For each resource the copy with the latest modification time wins; on equal
times the first location in the table wins (claude, codex, opencode,
cursor, central). Skills keep each copy's own frontmatter fields and take
only name and description from the winner. Nothing is ever deleted.

With --plan, print the writes without performing them. Applying is the
default; --apply states it explicitly and cannot be combined with --plan.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		p := printer()
		if syncPlan {
			plan, err := a.syncer.Plan(ctx)
			p.Plan(plan)
			return err
		}

		res, err := a.syncer.Run(ctx, sync.Request{Trigger: history.TriggerSync})
		p.SyncResult(res, err)
		if err != nil {
			return errAlreadyReported
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPlan, "plan", false, "show planned writes without applying them")
	syncCmd.Flags().Bool("apply", false, "apply the writes (default)")
	syncCmd.MarkFlagsMutuallyExclusive("plan", "apply")
	rootCmd.AddCommand(syncCmd)
}
