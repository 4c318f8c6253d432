package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stagewatch/internal/clock"
	"stagewatch/internal/identity"
	"stagewatch/internal/queue"
	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
)

type fakeSource struct {
	events    chan evalapi.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{events: make(chan evalapi.Event, buffer), closed: make(chan struct{})}
}

func (s *fakeSource) Next() (evalapi.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return evalapi.Event{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return evalapi.Event{}, errors.New("closed")
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// stepSource returns its results in order, then blocks until closed.
type stepSource struct {
	mu      sync.Mutex
	results []any
	closed  chan struct{}
	once    sync.Once
}

func newStepSource(results ...any) *stepSource {
	return &stepSource{results: results, closed: make(chan struct{})}
}

func (s *stepSource) Next() (evalapi.Event, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		next := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		if err, ok := next.(error); ok {
			return evalapi.Event{}, err
		}
		return next.(evalapi.Event), nil
	}
	s.mu.Unlock()
	<-s.closed
	return evalapi.Event{}, errors.New("closed")
}

func (s *stepSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// scriptedOpener hands out the scripted results in order, then fails.
type scriptedOpener struct {
	mu     sync.Mutex
	script []any
	opens  atomic.Int32
}

func (o *scriptedOpener) Open(ctx context.Context, jobID string) (Source, error) {
	o.opens.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := o.script[0]
	o.script = o.script[1:]
	switch v := next.(type) {
	case *fakeSource:
		return v, nil
	case *stepSource:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errors.New("bad script")
}

type fixture struct {
	store    *queue.Store
	registry *identity.Registry
	clock    *clock.Manual
}

func newFixture(t *testing.T, bindings map[string]string) *fixture {
	t.Helper()
	f := &fixture{store: queue.NewStore(), registry: identity.NewRegistry(), clock: clock.NewManual(time.Unix(0, 0))}
	for localID, itemID := range bindings {
		if _, err := f.store.Register(localID); err != nil {
			t.Fatal(err)
		}
		if err := f.store.BindRemote(localID, "J", itemID); err != nil {
			t.Fatal(err)
		}
		if err := f.registry.Assign(localID, "J", itemID); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) manager(t *testing.T, opener Opener, opts ...Option) *Manager {
	opts = append([]Option{WithClock(f.clock)}, opts...)
	m := NewManager(opener, f.store, f.registry, opts...)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not exit")
	}
}

func TestManagerDemultiplexesEvents(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1", "b": "i2"})
	src := newFakeSource(8)
	var terminal atomic.Value
	m := f.manager(t, &scriptedOpener{script: []any{src}}, WithJobTerminalHook(func(jobID string) {
		terminal.Store(jobID)
	}))

	h := m.Subscribe("J")
	defer h.Release()
	done := m.Done("J")

	src.events <- evalapi.Event{StageID: "vision", Progress: 0.5, ItemID: "i1"}
	waitFor(t, "vision write", func() bool {
		item, _ := f.store.Get("a")
		return item.ProgressPercent == 40
	})
	item, _ := f.store.Get("a")
	if item.Status != queue.StatusProcessing || item.CurrentStageID != "vision" {
		t.Fatalf("unexpected item a: %+v", item)
	}
	if other, _ := f.store.Get("b"); other.ProgressPercent != 0 {
		t.Fatalf("event leaked to sibling: %+v", other)
	}

	src.events <- evalapi.Event{StageID: "frames", Progress: 50}
	waitFor(t, "broadcast write", func() bool {
		b, _ := f.store.Get("b")
		return b.ProgressPercent == 23
	})
	if a, _ := f.store.Get("a"); a.ProgressPercent != 40 {
		t.Fatalf("stale broadcast moved progress backward: %d", a.ProgressPercent)
	}

	src.events <- evalapi.Event{StageID: "report", Progress: 1, ItemID: "i2", Status: "failed", Error: "timeout"}
	src.events <- evalapi.Event{StageID: "report", Progress: 1, ItemID: "unknown"}
	src.events <- evalapi.Event{StageID: "report", Progress: 1, TerminalForJob: true}
	waitDone(t, done)
	waitFor(t, "terminal hook", func() bool { return terminal.Load() == "J" })

	b, _ := f.store.Get("b")
	if b.Status != queue.StatusFailed || b.ErrorMessage != "timeout" {
		t.Fatalf("unexpected item b: %+v", b)
	}
	state, ok := m.State("J")
	if !ok || state.Phase != PhaseStopped || state.GaveUp {
		t.Fatalf("expected clean stop, got %v", state)
	}
}

func TestManagerSharesConnectionAcrossHandles(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	opener := &scriptedOpener{script: []any{newFakeSource(0)}}
	m := f.manager(t, opener)

	h1 := m.Subscribe("J")
	h2 := m.Subscribe("J")
	waitFor(t, "connected", func() bool {
		s, _ := m.State("J")
		return s.Phase == PhaseConnected
	})
	if m.Refs("J") != 2 || opener.opens.Load() != 1 {
		t.Fatalf("refs=%d opens=%d", m.Refs("J"), opener.opens.Load())
	}

	done := m.Done("J")
	h1.Release()
	h1.Release()
	if m.Refs("J") != 1 {
		t.Fatalf("double release must be a no-op, refs=%d", m.Refs("J"))
	}
	h2.Release()
	waitDone(t, done)
	if _, ok := m.State("J"); ok {
		t.Fatal("expected subscription removed after last release")
	}
	h2.Release()
}

func TestManagerRetriesWithBackoffThenGivesUp(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	opener := &scriptedOpener{}
	m := f.manager(t, opener)

	h := m.Subscribe("J")
	defer h.Release()
	waitDone(t, m.Done("J"))

	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second}
	got := f.clock.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
	if opener.opens.Load() != 6 {
		t.Fatalf("expected 6 connection attempts, got %d", opener.opens.Load())
	}
	state, _ := m.State("J")
	if !state.GaveUp {
		t.Fatalf("expected gave up, got %v", state)
	}
}

func TestManagerReconnectResetsAttempts(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	ended := newFakeSource(0)
	close(ended.events)
	opener := &scriptedOpener{script: []any{errors.New("refused"), ended}}
	m := f.manager(t, opener, WithPolicy(Policy{MaxAttempts: 2, Cap: time.Minute}))

	h := m.Subscribe("J")
	defer h.Release()
	waitDone(t, m.Done("J"))

	want := []time.Duration{2 * time.Second, 2 * time.Second, 4 * time.Second}
	got := f.clock.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
}

func TestManagerDoesNotRetryFinishedJob(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	f.store.Apply("a", queue.Update{Status: queue.StatusCompleted})
	opener := &scriptedOpener{}
	m := f.manager(t, opener)

	h := m.Subscribe("J")
	defer h.Release()
	waitDone(t, m.Done("J"))

	if opener.opens.Load() != 1 || len(f.clock.Sleeps()) != 0 {
		t.Fatalf("expected a single attempt, opens=%d sleeps=%v", opener.opens.Load(), f.clock.Sleeps())
	}
}

func TestManagerStopKeepsReferences(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	m := f.manager(t, &scriptedOpener{script: []any{newFakeSource(0)}})

	h := m.Subscribe("J")
	done := m.Done("J")
	m.Stop("J")
	waitDone(t, done)
	if m.Refs("J") != 1 {
		t.Fatalf("expected reference kept, got %d", m.Refs("J"))
	}
	m.Stop("J")
	h.Release()
	if m.Refs("J") != 0 {
		t.Fatal("expected subscription dropped")
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	m := NewManager(&scriptedOpener{script: []any{newFakeSource(0)}}, f.store, f.registry, WithClock(f.clock))
	h := m.Subscribe("J")
	m.Close()
	m.Close()
	h.Release()
	if _, ok := m.State("J"); ok {
		t.Fatal("expected no subscriptions after close")
	}
}

func TestManagerSkipsMalformedEvents(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	src := newStepSource(
		services.Wrap(services.ErrValidation, "evalapi", "decode event", "progress", errors.New("unexpected token")),
		evalapi.Event{StageID: "vision", Progress: 0.5, ItemID: "i1"},
	)
	opener := &scriptedOpener{script: []any{src}}
	m := f.manager(t, opener)

	h := m.Subscribe("J")
	defer h.Release()

	waitFor(t, "event after malformed one", func() bool {
		item, _ := f.store.Get("a")
		return item.ProgressPercent == 40
	})
	if opener.opens.Load() != 1 || len(f.clock.Sleeps()) != 0 {
		t.Fatalf("expected the connection kept, opens=%d sleeps=%v", opener.opens.Load(), f.clock.Sleeps())
	}
	if state, _ := m.State("J"); state.Phase != PhaseConnected {
		t.Fatalf("expected connected, got %v", state)
	}
}

func TestManagerReopensStoppedConnectionForNewWork(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "i1"})
	f.store.Apply("a", queue.Update{Status: queue.StatusCompleted})
	first := newStepSource()
	second := newStepSource(evalapi.Event{StageID: "vision", Progress: 0.5, ItemID: "i2"})
	opener := &scriptedOpener{script: []any{first, second}}
	m := f.manager(t, opener)

	h1 := m.Subscribe("J")
	defer h1.Release()
	waitFor(t, "connected", func() bool {
		s, _ := m.State("J")
		return s.Phase == PhaseConnected
	})
	done := m.Done("J")
	m.Stop("J")
	waitDone(t, done)

	// No active items yet: the stopped entry is reused.
	h2 := m.Subscribe("J")
	defer h2.Release()
	if opener.opens.Load() != 1 {
		t.Fatalf("expected no reconnect without active items, opens=%d", opener.opens.Load())
	}

	if _, err := f.store.Register("b"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.BindRemote("b", "J", "i2"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Assign("b", "J", "i2"); err != nil {
		t.Fatal(err)
	}
	h3 := m.Subscribe("J")
	defer h3.Release()

	waitFor(t, "event on reopened connection", func() bool {
		item, _ := f.store.Get("b")
		return item.ProgressPercent == 40
	})
	if opener.opens.Load() != 2 {
		t.Fatalf("expected one reconnect, opens=%d", opener.opens.Load())
	}
	if m.Refs("J") != 3 {
		t.Fatalf("expected references carried over, refs=%d", m.Refs("J"))
	}
}
