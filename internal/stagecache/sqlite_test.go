package stagecache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"stagewatch/internal/clock"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage_outputs.db")
	store, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	key := Key{JobID: "J", ItemID: "i1", StageID: "vision"}
	stored := epoch.Add(3 * time.Minute)
	if err := store.Save(ctx, Entry{Key: key, Payload: Payload{"detections": []any{"cat"}}, StoredAt: stored}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	job := Key{JobID: "J", StageID: "report"}
	if err := store.Save(ctx, Entry{Key: job, Payload: Payload{"summary": "ok"}, StoredAt: stored}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(entries))
	}
	var found bool
	for _, entry := range entries {
		if entry.Key != key {
			continue
		}
		found = true
		if !entry.StoredAt.Equal(stored) {
			t.Fatalf("stored_at mismatch: %v", entry.StoredAt)
		}
		detections, _ := entry.Payload["detections"].([]any)
		if len(detections) != 1 || detections[0] != "cat" {
			t.Fatalf("unexpected payload %v", entry.Payload)
		}
	}
	if !found {
		t.Fatal("item-level row missing")
	}

	if err := store.Delete(ctx, []Key{key}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, _ = store.LoadAll(ctx)
	if len(entries) != 1 || entries[0].Key != job {
		t.Fatalf("expected only job-level row after delete, got %+v", entries)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, _ = store.LoadAll(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected empty table, got %d", len(entries))
	}
}

func TestSQLiteStoreKeepsDashItemApartFromJobLevel(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	job := Key{JobID: "J", StageID: "report"}
	dash := Key{JobID: "J", ItemID: "-", StageID: "report"}
	_ = store.Save(ctx, Entry{Key: job, Payload: Payload{"level": "job"}, StoredAt: epoch})
	_ = store.Save(ctx, Entry{Key: dash, Payload: Payload{"level": "item"}, StoredAt: epoch})

	entries, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 rows, got %+v", entries)
	}
	for _, entry := range entries {
		want := "job"
		if entry.Key.ItemID == "-" {
			want = "item"
		}
		if entry.Payload["level"] != want {
			t.Fatalf("row %+v carries the wrong payload", entry)
		}
	}
}

func TestOpenSQLiteRejectsSecondHolder(t *testing.T) {
	_, path := openTestStore(t)
	if _, err := OpenSQLite(context.Background(), path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestCacheLoadDropsStaleRows(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	fresh := Key{JobID: "J", ItemID: "i", StageID: "frames"}
	stale := Key{JobID: "J", ItemID: "i", StageID: "ingest"}
	_ = store.Save(ctx, Entry{Key: stale, Payload: Payload{"media": map[string]any{}}, StoredAt: epoch.Add(-48 * time.Hour)})
	_ = store.Save(ctx, Entry{Key: fresh, Payload: Payload{"frames": []any{}}, StoredAt: epoch.Add(-time.Hour)})

	c := New(WithClock(clock.NewManual(epoch)), WithPersister(store))
	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 fresh entry, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, fresh); !ok {
		t.Fatal("expected fresh row served from cache")
	}
	rows, _ := store.LoadAll(ctx)
	if len(rows) != 1 {
		t.Fatalf("expected stale row deleted from database, got %d rows", len(rows))
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	clk := clock.NewManual(epoch)
	key := Key{JobID: "J", ItemID: "i", StageID: "policy"}

	store, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	c := New(WithClock(clk), WithPersister(store))
	c.Put(ctx, key, Payload{"verdict": "pass"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	c = New(WithClock(clk), WithPersister(store))
	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := c.Get(ctx, key)
	if !ok || entry.Payload["verdict"] != "pass" {
		t.Fatalf("expected persisted entry, got %+v ok=%v", entry, ok)
	}
}

func TestResetRemovesDatabase(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)
	_ = store.Save(ctx, Entry{Key: Key{JobID: "J", StageID: "report"}, Payload: Payload{}, StoredAt: epoch})

	if err := Reset(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while open, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := Reset(path); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rows, _ := reopened.LoadAll(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected empty database after reset, got %d rows", len(rows))
	}
}
