package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stagewatch/internal/logging"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stage"
	"stagewatch/internal/stagecache"
	"stagewatch/internal/tracker"
)

const stageFetchConcurrency = 4

func newStageCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stage <job-id> <item-id|-> [stage-id]",
		Short: "Print a stage output (cache, then service, then derived from the final result)",
		Long: "Print the stored output of one pipeline stage as JSON.\n\n" +
			"Use - as the item id for job-level outputs. When the service has no\n" +
			"output for the stage, a best-effort view is derived from the item's\n" +
			"final result; otherwise the output is reported as unavailable.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			itemID := args[1]
			if itemID == "-" {
				itemID = ""
			}
			if !all && len(args) < 3 {
				return errors.New("stage id required (or pass --all)")
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			client, err := evalapi.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			cache, closer, err := tracker.OpenCache(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if closer != nil {
				ctx.onClose(closer)
			}
			resolver := stagecache.NewResolver(cache, client, stagecache.WithResolverLogger(logger))
			finalResult := lookupFinalResult(cmd.Context(), client, logger, jobID, itemID)

			if !all {
				out := resolver.Output(cmd.Context(), stagecache.Request{
					JobID: jobID, ItemID: itemID, StageID: args[2], FinalResult: finalResult,
				})
				return writeJSON(cmd, out)
			}

			descriptors := stage.DefaultTable().Stages()
			outputs := make([]stagecache.Output, len(descriptors))
			g, gctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(stageFetchConcurrency)
			for i, d := range descriptors {
				g.Go(func() error {
					outputs[i] = resolver.Output(gctx, stagecache.Request{
						JobID: jobID, ItemID: itemID, StageID: d.ID, FinalResult: finalResult,
					})
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return writeJSON(cmd, outputs)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Resolve every stage in pipeline order")
	return cmd
}

// lookupFinalResult returns the item's final result when the service has
// one. Failures only disable derivation.
func lookupFinalResult(ctx context.Context, client *evalapi.Client, logger *slog.Logger, jobID, itemID string) json.RawMessage {
	if itemID == "" {
		return nil
	}
	status, err := client.JobStatus(ctx, jobID)
	if err != nil {
		logger.Debug("final result lookup failed",
			logging.String(logging.FieldJobID, jobID),
			logging.Error(err),
		)
		return nil
	}
	for _, item := range status.Items {
		if item.ItemID == itemID {
			return item.Result
		}
	}
	return nil
}

func newStagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "stages",
		Short:       "Print the pipeline stage table",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptors := stage.DefaultTable().Stages()
			rows := make([][]string, 0, len(descriptors))
			for i, d := range descriptors {
				next := stage.Ceiling
				if i+1 < len(descriptors) {
					next = descriptors[i+1].BasePercent
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", i+1),
					d.ID,
					stage.Label(d.ID),
					fmt.Sprintf("%d%%", d.BasePercent),
					fmt.Sprintf("%d%%", next),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Stage", "Label", "Starts", "Ends"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}
