package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagewatch/internal/notifications"
	"stagewatch/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var notify bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, the cache database and service connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := colorEnabled(out)

			fprintLines(out, sectionHeader("Preflight", colorize))
			failed := 0
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				kind := toneOK
				if !result.Passed {
					kind = toneError
					failed++
				}
				fmt.Fprintln(out, statusLine(result.Name, kind, result.Detail, colorize))
			}

			if notify {
				notifier := notifications.NewService(cfg)
				switch {
				case !notifications.Enabled(notifier):
					fmt.Fprintln(out, statusLine("Notifications", toneWarn, "ntfy_topic not configured", colorize))
				default:
					if err := notifier.TestNotification(cmd.Context()); err != nil {
						failed++
						fmt.Fprintln(out, statusLine("Notifications", toneError, err.Error(), colorize))
					} else {
						fmt.Fprintln(out, statusLine("Notifications", toneOK, "test message sent", colorize))
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Fprintln(out, "All checks passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&notify, "notify", false, "Send a test notification to the configured ntfy topic")
	return cmd
}
