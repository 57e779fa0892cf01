package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/rollback"
)

var (
	rollbackLatest bool
	rollbackForce  bool
)

var rollbackCmd = &cobra.Command{
	Use:     "rollback [event-id]",
	GroupID: "history",
	Short:   "Undo a recorded change set",
	Long: `Restore every path an event wrote to its content before the event.

A path that changed since the event is left alone and reported as a
conflict; --force restores it anyway. Paths already at their earlier
content are reported as unchanged. The rollback is recorded as an event of
its own, so it can be rolled back too.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !rollbackLatest {
			return errors.New("specify an event id or --latest")
		}
		var opts rollback.Options
		if len(args) == 1 {
			opts.EventID = args[0]
		}
		opts.Force = rollbackForce

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := rollback.New(a.blobs, a.ledger, a.cfg.StateDir(), a.log.Logger).Rollback(ctx, opts)
		printer().Rollback(res, err)
		switch {
		case err == nil:
			return nil
		case res == nil:
			return errAlreadyReported
		case errors.Is(err, errdefs.ErrPartialFailure) && !errdefs.IsFatal(err):
			// Outcomes were printed per path.
			return errAlreadyReported
		default:
			return err
		}
	},
}

func init() {
	rollbackCmd.Flags().BoolVar(&rollbackLatest, "latest", false, "roll back the most recent event")
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "restore paths even if they changed since the event")
	rootCmd.AddCommand(rollbackCmd)
}
