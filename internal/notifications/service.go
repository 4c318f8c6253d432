package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stagewatch/internal/config"
)

const userAgent = "stagewatch/0.1"

// JobSummary describes a job whose tracked items all reached a terminal state.
type JobSummary struct {
	JobID     string
	Completed int
	Failed    int
	Cancelled int
	Duration  time.Duration
}

// Service defines the notification surface used by the CLI.
type Service interface {
	NotifyJobFinished(ctx context.Context, summary JobSummary) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := cfg.NotificationTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyJobFinished(ctx context.Context, summary JobSummary) error {
	duration := summary.Duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	total := summary.Completed + summary.Failed + summary.Cancelled
	data := payload{tags: []string{"stagewatch", "job"}}
	if summary.Failed == 0 && summary.Cancelled == 0 {
		data.title = "stagewatch - Job Complete"
		data.message = fmt.Sprintf("Job %s finished: %d item(s) completed in %s", summary.JobID, total, duration)
		data.tags = append(data.tags, "completed")
	} else {
		data.title = "stagewatch - Job Finished With Errors"
		data.message = fmt.Sprintf("Job %s finished in %s: %d completed, %d failed, %d cancelled",
			summary.JobID, duration, summary.Completed, summary.Failed, summary.Cancelled)
		data.tags = append(data.tags, "failed")
		data.priority = "high"
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "stagewatch - Test",
		message:  "Notification system test",
		tags:     []string{"stagewatch", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobFinished(context.Context, JobSummary) error { return nil }
func (noopService) TestNotification(context.Context) error             { return nil }
