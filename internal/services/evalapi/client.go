package evalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"stagewatch/internal/config"
	"stagewatch/internal/services"
)

const maxErrorBody = 512

// Client talks to the evaluation service's job API.
type Client struct {
	baseURL      *url.URL
	token        string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client used for request/response calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithStreamClient overrides the client used for the long-lived event stream.
func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.streamClient = client
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout sets the per-request timeout for non-streaming calls.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("evalapi base url required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse evalapi base url: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		// No timeout: the event stream stays open until the caller cancels.
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewFromConfig builds a client from the service section of cfg.
func NewFromConfig(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("evalapi: config is nil")
	}
	return New(cfg.Service.BaseURL,
		WithToken(cfg.Service.APIToken),
		WithTimeout(cfg.RequestTimeout()),
	)
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CreateJob submits items and returns the issued job and item ids.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResponse, error) {
	if len(req.Items) == 0 {
		return nil, services.Wrap(services.ErrValidation, "evalapi", "create job", "no items", nil)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode create job request: %w", err)
	}
	var payload CreateJobResponse
	if err := c.doJSON(ctx, "create job", http.MethodPost, c.endpoint("api", "jobs"), bytes.NewReader(body), &payload); err != nil {
		return nil, err
	}
	if payload.JobID == "" {
		return nil, services.Wrap(services.ErrValidation, "evalapi", "create job", "response missing job id", nil)
	}
	if len(payload.Items) != len(req.Items) {
		return nil, services.Wrap(services.ErrValidation, "evalapi", "create job",
			fmt.Sprintf("response has %d items, expected %d", len(payload.Items), len(req.Items)), nil)
	}
	return &payload, nil
}

// JobStatus fetches the current status of every item in jobID.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var payload JobStatus
	if err := c.doJSON(ctx, "job status", http.MethodGet, c.endpoint("api", "jobs", jobID), nil, &payload); err != nil {
		return nil, err
	}
	if payload.JobID == "" {
		payload.JobID = jobID
	}
	return &payload, nil
}

// StageOutput fetches the stored output of one stage. itemID may be empty for
// job-level outputs. A 404 yields an error matching services.ErrNotFound; an
// empty or null body yields a nil map and no error.
func (c *Client) StageOutput(ctx context.Context, jobID, itemID, stageID string) (map[string]any, error) {
	var endpoint *url.URL
	if itemID == "" {
		endpoint = c.endpoint("api", "jobs", jobID, "stages", stageID)
	} else {
		endpoint = c.endpoint("api", "jobs", jobID, "items", itemID, "stages", stageID)
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, "stage output", http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, services.Wrap(services.ErrValidation, "evalapi", "stage output", "payload is not an object", err)
	}
	return payload, nil
}

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var payload HealthResponse
	if err := c.doJSON(ctx, "health", http.MethodGet, c.endpoint("api", "health"), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// OpenStream opens the job's server-sent event stream. The caller must Close
// the returned stream.
func (c *Client) OpenStream(ctx context.Context, jobID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("api", "jobs", jobID, "events"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "evalapi", "open stream", jobID, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError("open stream", resp)
	}
	return &EventStream{body: resp.Body, reader: newSSEReader(resp.Body)}, nil
}

// EventStream yields decoded progress events from an open SSE connection.
type EventStream struct {
	body      io.ReadCloser
	reader    *sseReader
	closeOnce sync.Once
	closeErr  error
}

// Next blocks until the next progress event. Heartbeat frames are skipped. A
// frame named "terminal" marks the job terminal even when its payload omits
// the flag. Undecodable frames return an error matching
// services.ErrValidation; the stream stays usable after such an error.
func (s *EventStream) Next() (Event, error) {
	for {
		name, data, err := s.reader.next()
		if err != nil {
			return Event{}, err
		}
		switch name {
		case "heartbeat", "ping":
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return Event{}, services.Wrap(services.ErrValidation, "evalapi", "decode event", name, err)
		}
		if name == "terminal" {
			event.TerminalForJob = true
		}
		return event, nil
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (c *Client) endpoint(segments ...string) *url.URL {
	escaped := make([]string, 0, len(segments))
	for _, seg := range segments {
		escaped = append(escaped, url.PathEscape(seg))
	}
	ref := *c.baseURL
	ref.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.Join(escaped, "/")
	ref.RawPath = ""
	return &ref
}

func (c *Client) newRequest(ctx context.Context, method string, endpoint *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build evalapi request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method string, endpoint *url.URL, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrUnavailable, "evalapi", op, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return services.Wrap(services.ErrTransient, "evalapi", op, "read body", err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrValidation, "evalapi", op, "decode response", err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
