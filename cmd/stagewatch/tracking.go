package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stagewatch/internal/logging"
	"stagewatch/internal/notifications"
	"stagewatch/internal/queue"
	"stagewatch/internal/stage"
	"stagewatch/internal/tracker"
)

const progressBarWidth = 20

// openTracker builds a tracker from the command's config and closes it when
// the command finishes.
func (c *commandContext) openTracker(ctx context.Context) (*tracker.Tracker, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	tr, err := tracker.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.onClose(tr.Close)
	return tr, nil
}

// itemView is the JSON shape of one item snapshot.
type itemView struct {
	LocalID  string          `json:"local_id"`
	JobID    string          `json:"job_id"`
	ItemID   string          `json:"item_id"`
	Status   string          `json:"status"`
	Stage    string          `json:"stage,omitempty"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Updated  time.Time       `json:"updated_at"`
}

func newItemView(item queue.Item) itemView {
	return itemView{
		LocalID:  item.LocalID,
		JobID:    item.RemoteJobID,
		ItemID:   item.RemoteItemID,
		Status:   string(item.Status),
		Stage:    item.CurrentStageID,
		Progress: item.ProgressPercent,
		Message:  item.StatusMessage,
		Error:    item.ErrorMessage,
		Result:   item.Result,
		Updated:  item.UpdatedAt,
	}
}

// watchItems prints item changes until every item in localIDs is terminal,
// then prints a summary table. It fails when any item did not complete.
func (c *commandContext) watchItems(cmd *cobra.Command, tr *tracker.Tracker, localIDs []string, jsonOut bool) error {
	started := time.Now()
	out := cmd.OutOrStdout()
	colorize := colorEnabled(out)
	wanted := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		wanted[id] = struct{}{}
	}

	updates := make(chan queue.Item, 256)
	cancel := tr.OnChange(func(item queue.Item) {
		if _, ok := wanted[item.LocalID]; !ok {
			return
		}
		select {
		case updates <- item:
		default:
		}
	})
	defer cancel()

	emit := func(item queue.Item) {
		if jsonOut {
			_ = writeJSONLine(out, newItemView(item))
			return
		}
		fmt.Fprintln(out, renderItemLine(item, colorize))
	}

	for _, id := range localIDs {
		if item, ok := tr.Item(id); ok {
			emit(item)
		}
	}

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		defer close(done)
		return tr.Wait(gctx, localIDs)
	})
	g.Go(func() error {
		for {
			select {
			case item := <-updates:
				emit(item)
			case <-done:
				for {
					select {
					case item := <-updates:
						emit(item)
					default:
						return nil
					}
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	items := make([]queue.Item, 0, len(localIDs))
	for _, id := range localIDs {
		if item, ok := tr.Item(id); ok {
			items = append(items, item)
		}
	}
	if !jsonOut {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderItemTable(items))
	}
	c.notifyFinished(cmd.Context(), items, time.Since(started))
	return outcome(items)
}

// notifyFinished publishes one summary per job. Delivery failures are logged
// and never change the command's outcome.
func (c *commandContext) notifyFinished(ctx context.Context, items []queue.Item, elapsed time.Duration) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return
	}
	notifier := notifications.NewService(cfg)
	if !notifications.Enabled(notifier) {
		return
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return
	}

	summaries := make(map[string]*notifications.JobSummary)
	var order []string
	for _, item := range items {
		summary, ok := summaries[item.RemoteJobID]
		if !ok {
			summary = &notifications.JobSummary{JobID: item.RemoteJobID, Duration: elapsed}
			summaries[item.RemoteJobID] = summary
			order = append(order, item.RemoteJobID)
		}
		switch item.Status {
		case queue.StatusCompleted:
			summary.Completed++
		case queue.StatusFailed:
			summary.Failed++
		case queue.StatusCancelled:
			summary.Cancelled++
		}
	}
	for _, jobID := range order {
		if err := notifier.NotifyJobFinished(ctx, *summaries[jobID]); err != nil {
			logging.WarnWithContext(logger, "job notification failed", "notification_failed",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
				logging.String(logging.FieldImpact, "no completion message was delivered"),
			)
		}
	}
}

func outcome(items []queue.Item) error {
	unfinished := 0
	for _, item := range items {
		if item.Status != queue.StatusCompleted {
			unfinished++
		}
	}
	if unfinished > 0 {
		return fmt.Errorf("%d of %d items did not complete", unfinished, len(items))
	}
	return nil
}

func renderItemLine(item queue.Item, colorize bool) string {
	message := fmt.Sprintf("%s %s %3d%%", item.Status, stage.Label(item.CurrentStageID), item.ProgressPercent)
	if item.ErrorMessage != "" {
		message += ": " + item.ErrorMessage
	} else if item.StatusMessage != "" {
		message += " (" + item.StatusMessage + ")"
	}
	return statusLine(itemLabel(item), toneForStatus(item.Status), message, colorize)
}

func itemLabel(item queue.Item) string {
	if item.RemoteItemID != "" {
		return item.RemoteItemID
	}
	return shortID(item.LocalID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderItemTable(items []queue.Item) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		detail := item.StatusMessage
		if item.ErrorMessage != "" {
			detail = item.ErrorMessage
		}
		rows = append(rows, []string{
			item.RemoteJobID,
			itemLabel(item),
			string(item.Status),
			stage.Label(item.CurrentStageID),
			progressBar(item.ProgressPercent, progressBarWidth),
			detail,
		})
	}
	return renderTable(
		[]string{"Job", "Item", "Status", "Stage", "Progress", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return fmt.Sprintf("%s%s %3d%%", strings.Repeat("█", filled), strings.Repeat("░", width-filled), percent)
}

func fprintLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
