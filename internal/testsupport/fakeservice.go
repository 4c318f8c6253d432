package testsupport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stream"
)

// FakeService is an in-memory evaluation service. It satisfies the tracker's
// service interface and stream.Opener directly, and Handler exposes the same
// state over HTTP for client-level tests.
type FakeService struct {
	mu             sync.Mutex
	jobs           map[string]*fakeJob
	outputs        map[string]map[string]any
	nextJob        int
	streamFailures int
	streamsOpened  int
	requests       []evalapi.CreateJobRequest
}

type fakeJob struct {
	status  evalapi.JobStatus
	streams map[*fakeStream]struct{}
}

// NewFakeService returns an empty service.
func NewFakeService() *FakeService {
	return &FakeService{
		jobs:    make(map[string]*fakeJob),
		outputs: make(map[string]map[string]any),
	}
}

// AddJob registers jobID with queued items.
func (f *FakeService) AddJob(jobID string, itemIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobLocked(jobID)
	for _, id := range itemIDs {
		job.status.Items = append(job.status.Items, evalapi.ItemStatus{ItemID: id, Status: "queued"})
	}
}

// SetItem replaces the reported status of one item.
func (f *FakeService) SetItem(jobID string, status evalapi.ItemStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobLocked(jobID)
	for i := range job.status.Items {
		if job.status.Items[i].ItemID == status.ItemID {
			job.status.Items[i] = status
			return
		}
	}
	job.status.Items = append(job.status.Items, status)
}

// SetStageOutput stores a stage output. itemID may be empty.
func (f *FakeService) SetStageOutput(jobID, itemID, stageID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[outputKey(jobID, itemID, stageID)] = payload
}

// FailStreams makes the next n stream opens fail.
func (f *FakeService) FailStreams(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamFailures = n
}

// StreamsOpened counts stream open attempts, failed ones included.
func (f *FakeService) StreamsOpened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamsOpened
}

// Subscribers returns the number of open streams for jobID.
func (f *FakeService) Subscribers(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		return len(job.streams)
	}
	return 0
}

// CreateRequests returns every job creation request received.
func (f *FakeService) CreateRequests() []evalapi.CreateJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]evalapi.CreateJobRequest(nil), f.requests...)
}

// Emit delivers event to every open stream of jobID and returns how many
// streams received it.
func (f *FakeService) Emit(jobID string, event evalapi.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return 0
	}
	for s := range job.streams {
		s.events <- event
	}
	return len(job.streams)
}

// Disconnect ends every open stream of jobID as if the server hung up.
func (f *FakeService) Disconnect(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return
	}
	for s := range job.streams {
		s.hangup()
		delete(job.streams, s)
	}
}

// CreateJob issues sequential job and item ids.
func (f *FakeService) CreateJob(_ context.Context, req evalapi.CreateJobRequest) (*evalapi.CreateJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.nextJob++
	jobID := fmt.Sprintf("job-%d", f.nextJob)
	job := f.jobLocked(jobID)
	resp := &evalapi.CreateJobResponse{JobID: jobID}
	for i, spec := range req.Items {
		itemID := fmt.Sprintf("item-%d", i+1)
		job.status.Items = append(job.status.Items, evalapi.ItemStatus{ItemID: itemID, Status: "queued"})
		resp.Items = append(resp.Items, evalapi.CreatedItem{ItemID: itemID, ClientRef: spec.ClientRef})
	}
	return resp, nil
}

// JobStatus reports the stored status of jobID.
func (f *FakeService) JobStatus(_ context.Context, jobID string) (*evalapi.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &evalapi.StatusError{Op: "job status", Code: http.StatusNotFound}
	}
	status := job.status
	status.Items = append([]evalapi.ItemStatus(nil), job.status.Items...)
	return &status, nil
}

// StageOutput returns a stored stage output or a 404.
func (f *FakeService) StageOutput(_ context.Context, jobID, itemID, stageID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.outputs[outputKey(jobID, itemID, stageID)]
	if !ok {
		return nil, &evalapi.StatusError{Op: "stage output", Code: http.StatusNotFound}
	}
	return payload, nil
}

// Open opens an event stream for jobID.
func (f *FakeService) Open(_ context.Context, jobID string) (stream.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamsOpened++
	if f.streamFailures > 0 {
		f.streamFailures--
		return nil, &evalapi.StatusError{Op: "open stream", Code: http.StatusServiceUnavailable}
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &evalapi.StatusError{Op: "open stream", Code: http.StatusNotFound}
	}
	s := &fakeStream{svc: f, jobID: jobID, events: make(chan evalapi.Event, 64), closed: make(chan struct{}), ended: make(chan struct{})}
	job.streams[s] = struct{}{}
	return s, nil
}

func (f *FakeService) jobLocked(jobID string) *fakeJob {
	job, ok := f.jobs[jobID]
	if !ok {
		job = &fakeJob{status: evalapi.JobStatus{JobID: jobID}, streams: make(map[*fakeStream]struct{})}
		f.jobs[jobID] = job
	}
	return job
}

func outputKey(jobID, itemID, stageID string) string {
	return jobID + "\x00" + itemID + "\x00" + stageID
}

type fakeStream struct {
	svc       *FakeService
	jobID     string
	events    chan evalapi.Event
	closed    chan struct{}
	ended     chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (s *fakeStream) Next() (evalapi.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.ended:
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		return evalapi.Event{}, io.EOF
	case <-s.closed:
		return evalapi.Event{}, errors.New("stream closed")
	}
}

func (s *fakeStream) hangup() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.svc.mu.Lock()
		if job, ok := s.svc.jobs[s.jobID]; ok {
			delete(job.streams, s)
		}
		s.svc.mu.Unlock()
	})
	return nil
}

// Handler serves the fake over the evaluation service's HTTP API.
func (f *FakeService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, evalapi.HealthResponse{Status: "ok", Version: "fake"})
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req evalapi.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, _ := f.CreateJob(r.Context(), req)
		writeJSON(w, http.StatusCreated, resp)
	})
	mux.HandleFunc("GET /api/jobs/{job}", func(w http.ResponseWriter, r *http.Request) {
		status, err := f.JobStatus(r.Context(), r.PathValue("job"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("GET /api/jobs/{job}/stages/{stage}", func(w http.ResponseWriter, r *http.Request) {
		f.serveStageOutput(w, r, "")
	})
	mux.HandleFunc("GET /api/jobs/{job}/items/{item}/stages/{stage}", func(w http.ResponseWriter, r *http.Request) {
		f.serveStageOutput(w, r, r.PathValue("item"))
	})
	mux.HandleFunc("GET /api/jobs/{job}/events", f.serveEvents)
	return mux
}

func (f *FakeService) serveStageOutput(w http.ResponseWriter, r *http.Request, itemID string) {
	payload, err := f.StageOutput(r.Context(), r.PathValue("job"), itemID, r.PathValue("stage"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (f *FakeService) serveEvents(w http.ResponseWriter, r *http.Request) {
	src, err := f.Open(r.Context(), r.PathValue("job"))
	if err != nil {
		var statusErr *evalapi.StatusError
		code := http.StatusInternalServerError
		if errors.As(err, &statusErr) {
			code = statusErr.Code
		}
		http.Error(w, err.Error(), code)
		return
	}
	defer src.Close()
	stop := context.AfterFunc(r.Context(), func() { _ = src.Close() })
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		event, err := src.Next()
		if err != nil {
			return
		}
		data, _ := json.Marshal(event)
		name := "progress"
		if event.TerminalForJob {
			name = "terminal"
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if event.TerminalForJob {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
