package main

import (
	"github.com/spf13/cobra"

	"github.com/relaysync/relay/internal/resource"
	"github.com/relaysync/relay/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show locations and the last recorded event",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var rows []ui.LocationStatus
		for _, loc := range a.cfg.Locations() {
			active, err := resource.Participates(loc)
			if err != nil {
				a.log.Warn("failed to check location", "path", loc.Path, "error", err)
			}
			row := ui.LocationStatus{Location: loc, Active: active}
			if active {
				names, err := resource.Names(loc)
				if err != nil {
					a.log.Warn("failed to list location", "path", loc.Path, "error", err)
				}
				row.Count = len(names)
			}
			rows = append(rows, row)
		}

		latest, _, err := a.ledger.Latest(ctx)
		if err != nil {
			return err
		}
		printer().Status(a.cfg.Home, a.cfg.History.Backend, rows, latest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
