package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"stagewatch/internal/config"
	"stagewatch/internal/services/evalapi"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var detach bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit media files as one evaluation job and watch it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]evalapi.ItemSpec, 0, len(args))
			for _, arg := range args {
				spec, err := itemSpecForFile(arg)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}

			tr, err := ctx.openTracker(cmd.Context())
			if err != nil {
				return err
			}
			jobID, localIDs, err := tr.Submit(cmd.Context(), specs)
			if err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s with %d item(s)\n", jobID, len(localIDs))
			}
			if detach {
				if jsonOut {
					return writeJSON(cmd, map[string]string{"job_id": jobID})
				}
				return nil
			}
			return ctx.watchItems(cmd, tr, localIDs, jsonOut)
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return after the job is created")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit item snapshots as JSON lines")
	return cmd
}

func itemSpecForFile(path string) (evalapi.ItemSpec, error) {
	expanded, err := config.ExpandPath(strings.TrimSpace(path))
	if err != nil {
		return evalapi.ItemSpec{}, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return evalapi.ItemSpec{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return evalapi.ItemSpec{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	if info.IsDir() {
		return evalapi.ItemSpec{}, fmt.Errorf("%s is a directory", path)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(abs)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return evalapi.ItemSpec{
		Name:      filepath.Base(abs),
		Source:    abs,
		SizeBytes: info.Size(),
		MimeType:  mimeType,
	}, nil
}
