package queue_test

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"stagewatch/internal/queue"
)

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return queue.NewStore(queue.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
}

func mustRegister(t *testing.T, s *queue.Store, localID, jobID, itemID string) {
	t.Helper()
	if _, err := s.Register(localID); err != nil {
		t.Fatalf("Register(%s): %v", localID, err)
	}
	if jobID != "" {
		if err := s.BindRemote(localID, jobID, itemID); err != nil {
			t.Fatalf("BindRemote(%s): %v", localID, err)
		}
	}
}

func TestRegisterCreatesQueuedItem(t *testing.T) {
	s := newStore(t)
	item, err := s.Register("a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if item.Status != queue.StatusQueued || item.ProgressPercent != 0 {
		t.Fatalf("unexpected initial item: %+v", item)
	}
	if _, err := s.Register("a"); !errors.Is(err, queue.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestBindRemoteIsSetOnce(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")
	if err := s.BindRemote("a", "job", "i1"); err != nil {
		t.Fatalf("repeat bind should succeed: %v", err)
	}
	if err := s.BindRemote("a", "job", "i2"); !errors.Is(err, queue.ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if err := s.BindRemote("missing", "job", "i3"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyRejectsLowerPercent(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")

	if _, ok := s.Apply("a", queue.Update{Status: queue.StatusProcessing, StageID: "vision", Percent: queue.Percent(40)}); !ok {
		t.Fatal("expected first write to apply")
	}
	item, ok := s.Apply("a", queue.Update{Status: queue.StatusProcessing, StageID: "frames", Percent: queue.Percent(20)})
	if ok {
		t.Fatal("expected lower percent write to be dropped")
	}
	if item.ProgressPercent != 40 || item.CurrentStageID != "vision" {
		t.Fatalf("dropped write must not change item: %+v", item)
	}
}

func TestApplyTerminalAlwaysWinsAndSticks(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")
	s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(60)})

	item, ok := s.Apply("a", queue.Update{Status: queue.StatusFailed, Percent: queue.Percent(100), ErrorMessage: "timeout"})
	if !ok || item.Status != queue.StatusFailed || item.ErrorMessage != "timeout" || item.ProgressPercent != 100 {
		t.Fatalf("expected failed terminal write, got %+v (applied=%v)", item, ok)
	}

	if _, ok := s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(100)}); ok {
		t.Fatal("non-terminal write after terminal must be ignored")
	}
	if _, ok := s.Apply("a", queue.Update{Status: queue.StatusCompleted, Percent: queue.Percent(100)}); ok {
		t.Fatal("different terminal status must be ignored")
	}
	item, _ = s.Get("a")
	if item.Status != queue.StatusFailed {
		t.Fatalf("terminal status must stick, got %s", item.Status)
	}
}

func TestApplyRepeatTerminalFillsResult(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")

	if _, ok := s.Apply("a", queue.Update{Status: queue.StatusCompleted, Percent: queue.Percent(100)}); !ok {
		t.Fatal("expected completed write")
	}
	result := json.RawMessage(`{"verdict":"pass"}`)
	item, ok := s.Apply("a", queue.Update{Status: queue.StatusCompleted, Percent: queue.Percent(100), Result: result})
	if !ok || string(item.Result) != string(result) {
		t.Fatalf("expected result to be filled, got %+v (applied=%v)", item, ok)
	}
	if _, ok := s.Apply("a", queue.Update{Status: queue.StatusCompleted, Result: json.RawMessage(`{"verdict":"fail"}`)}); ok {
		t.Fatal("result must not be overwritten once set")
	}
}

func TestApplyDoesNotRegressToQueued(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")
	s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(10)})
	item, _ := s.Apply("a", queue.Update{Status: queue.StatusQueued, Percent: queue.Percent(10)})
	if item.Status != queue.StatusProcessing {
		t.Fatalf("expected processing, got %s", item.Status)
	}
}

func TestApplyProgressIsMonotonicUnderRandomWrites(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job", "i1")
	rng := rand.New(rand.NewSource(7))

	last := 0
	for i := 0; i < 500; i++ {
		item, _ := s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(rng.Intn(120) - 10)})
		if item.ProgressPercent < last {
			t.Fatalf("percent decreased from %d to %d at step %d", last, item.ProgressPercent, i)
		}
		if item.ProgressPercent > 100 || item.ProgressPercent < 0 {
			t.Fatalf("percent out of range: %d", item.ProgressPercent)
		}
		last = item.ProgressPercent
	}
}

func TestJobQueries(t *testing.T) {
	s := newStore(t)
	mustRegister(t, s, "a", "job-1", "i1")
	mustRegister(t, s, "b", "job-1", "i2")
	mustRegister(t, s, "c", "job-2", "i1")

	items := s.ItemsForJob("job-1")
	if len(items) != 2 || items[0].LocalID != "a" || items[1].LocalID != "b" {
		t.Fatalf("unexpected job items: %+v", items)
	}
	if s.JobTerminal("job-1") || !s.HasActive("job-1") {
		t.Fatal("job-1 should be active")
	}
	s.Apply("a", queue.Update{Status: queue.StatusCompleted, Percent: queue.Percent(100)})
	s.Apply("b", queue.Update{Status: queue.StatusCancelled})
	if !s.JobTerminal("job-1") || s.HasActive("job-1") {
		t.Fatal("job-1 should be terminal")
	}
	if s.JobTerminal("unknown") {
		t.Fatal("unknown job must not report terminal")
	}

	sum := s.Summary()
	if sum.Total != 3 || sum.Completed != 1 || sum.Cancelled != 1 || sum.Queued != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	s.Remove("c")
	if _, ok := s.Get("c"); ok {
		t.Fatal("expected c removed")
	}
	if len(s.List()) != 2 {
		t.Fatalf("expected 2 items after removal")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newStore(t)
	var got []queue.Item
	cancel := s.Subscribe(func(item queue.Item) { got = append(got, item) })

	mustRegister(t, s, "a", "job", "i1")
	s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(5)})
	s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(5)})
	cancel()
	cancel()
	s.Apply("a", queue.Update{Status: queue.StatusProcessing, Percent: queue.Percent(9)})

	if len(got) != 3 {
		t.Fatalf("expected register, bind, and one progress notification, got %d", len(got))
	}
	if got[2].ProgressPercent != 5 {
		t.Fatalf("unexpected snapshot %+v", got[2])
	}
}

func TestParseStatusAliases(t *testing.T) {
	tests := map[string]queue.Status{
		"running":    queue.StatusProcessing,
		"PENDING":    queue.StatusQueued,
		"canceled":   queue.StatusCancelled,
		"completed":  queue.StatusCompleted,
		" failed ":   queue.StatusFailed,
		"processing": queue.StatusProcessing,
	}
	for in, want := range tests {
		got, ok := queue.ParseStatus(in)
		if !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := queue.ParseStatus("exploded"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}
