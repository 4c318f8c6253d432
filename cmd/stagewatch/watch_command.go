package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "watch <job-id> [item-id...]",
		Short: "Follow an existing job until every item finishes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := ctx.openTracker(cmd.Context())
			if err != nil {
				return err
			}
			localIDs, err := tr.Track(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "Watching job %s (%d item(s))\n", args[0], len(localIDs))
			}
			return ctx.watchItems(cmd, tr, localIDs, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit item snapshots as JSON lines")
	return cmd
}
