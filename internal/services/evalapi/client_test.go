package evalapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
)

func newClient(t *testing.T, handler http.HandlerFunc) *evalapi.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := evalapi.New(server.URL, evalapi.WithToken("secret"), evalapi.WithHTTPClient(server.Client()), evalapi.WithStreamClient(server.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestCreateJob(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("unexpected request id %q", got)
		}
		var req evalapi.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Items) != 2 || req.Items[0].ClientRef != "l1" {
			t.Fatalf("unexpected items %+v", req.Items)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jobId":"J","items":[{"itemId":"i1","clientRef":"l1"},{"itemId":"i2","clientRef":"l2"}]}`)
	})

	ctx := services.WithRequestID(context.Background(), "req-1")
	resp, err := client.CreateJob(ctx, evalapi.CreateJobRequest{Items: []evalapi.ItemSpec{
		{Name: "a.mp4", ClientRef: "l1"},
		{Name: "b.mp4", ClientRef: "l2"},
	}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if resp.JobID != "J" || resp.Items[1].ItemID != "i2" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateJobRejectsEmptyAndMismatchedResponses(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jobId":"J","items":[]}`)
	})
	if _, err := client.CreateJob(context.Background(), evalapi.CreateJobRequest{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty request, got %v", err)
	}
	_, err := client.CreateJob(context.Background(), evalapi.CreateJobRequest{Items: []evalapi.ItemSpec{{Name: "a"}}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for item count mismatch, got %v", err)
	}
}

func TestJobStatus(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/J" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"items":[
			{"itemId":"i1","status":"completed","progressPercent":100,"result":{"verdict":"pass"}},
			{"itemId":"i2","status":"failed","progressPercent":40,"errorMessage":"timeout"}
		]}`)
	})
	status, err := client.JobStatus(context.Background(), "J")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if status.JobID != "J" || len(status.Items) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if string(status.Items[0].Result) != `{"verdict":"pass"}` {
		t.Fatalf("unexpected result %s", status.Items[0].Result)
	}
	if status.Items[1].ErrorMessage != "timeout" {
		t.Fatalf("unexpected error message %q", status.Items[1].ErrorMessage)
	}
}

func TestStageOutput(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/J/items/i1/stages/vision":
			_, _ = io.WriteString(w, `{"detections":[{"label":"cat"}]}`)
		case "/api/jobs/J/stages/report":
			_, _ = io.WriteString(w, `null`)
		case "/api/jobs/J/items/i1/stages/missing":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	})

	payload, err := client.StageOutput(context.Background(), "J", "i1", "vision")
	if err != nil {
		t.Fatalf("StageOutput: %v", err)
	}
	if detections, ok := payload["detections"].([]any); !ok || len(detections) != 1 {
		t.Fatalf("unexpected payload %v", payload)
	}

	payload, err = client.StageOutput(context.Background(), "J", "", "report")
	if err != nil || payload != nil {
		t.Fatalf("expected empty payload, got %v, %v", payload, err)
	}

	_, err = client.StageOutput(context.Background(), "J", "i1", "missing")
	if !evalapi.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var statusErr *evalapi.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}

	_, err = client.StageOutput(context.Background(), "J", "i1", "other")
	if !evalapi.IsUnavailable(err) {
		t.Fatalf("expected unavailable for 500, got %v", err)
	}
}

func TestUnreachableServiceIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	client, err := evalapi.New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Health(context.Background()); !evalapi.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestOpenStreamDecodesEvents(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/J/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Fatalf("unexpected accept header %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"stageId\":\"ingest\",\"progress\":1.0,\"itemId\":\"i1\"}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "event: terminal\ndata: {\"stageId\":\"report\",\"progress\":1}\n\n")
	})

	stream, err := client.OpenStream(context.Background(), "J")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.StageID != "ingest" || event.ItemID != "i1" || event.Progress != 1 {
		t.Fatalf("unexpected event %+v", event)
	}

	if _, err := stream.Next(); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected decode error, got %v", err)
	}

	event, err = stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !event.TerminalForJob {
		t.Fatalf("expected terminal event, got %+v", event)
	}

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenStreamStatusError(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	})
	if _, err := client.OpenStream(context.Background(), "J"); !evalapi.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
