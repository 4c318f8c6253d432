package stagecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"stagewatch/internal/clock"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func TestPutEvictsGloballyOldestOverCapacity(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	c := New(WithClock(clk))

	first := Key{JobID: "job-0", ItemID: "i", StageID: "vision"}
	for i := 0; i < 101; i++ {
		key := Key{JobID: fmt.Sprintf("job-%d", i%7), ItemID: fmt.Sprintf("i%d", i), StageID: "vision"}
		if i == 0 {
			key = first
		}
		c.Put(ctx, key, Payload{"n": i})
		clk.Advance(time.Second)
	}

	if c.Len() != 100 {
		t.Fatalf("expected 100 entries, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, first); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	entries := c.Entries()
	if entries[0].Payload["n"] != 1 {
		t.Fatalf("expected second insert to be oldest survivor, got %v", entries[0].Payload)
	}
}

func TestEvictionBreaksTiesByInsertionOrder(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(clock.NewManual(epoch)), WithCapacity(2))
	a := Key{JobID: "j", StageID: "a"}
	b := Key{JobID: "j", StageID: "b"}
	d := Key{JobID: "j", StageID: "d"}
	c.Put(ctx, a, Payload{"v": 1})
	c.Put(ctx, b, Payload{"v": 2})
	c.Put(ctx, d, Payload{"v": 3})

	if _, ok := c.Get(ctx, a); ok {
		t.Fatal("expected first inserted entry evicted on tie")
	}
	if _, ok := c.Get(ctx, d); !ok {
		t.Fatal("expected newest entry kept")
	}
}

func TestGetTreatsExpiredAsMissing(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	c := New(WithClock(clk))
	key := Key{JobID: "j", ItemID: "i", StageID: "transcription"}
	c.Put(ctx, key, Payload{"text": "hi"})

	clk.Advance(DefaultTTL)
	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("expected entry to be fresh at exactly ttl")
	}
	clk.Advance(time.Millisecond)
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected entry to expire just past ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed, len=%d", c.Len())
	}
}

func TestPutDropsExpiredBeforeCapacity(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	c := New(WithClock(clk), WithCapacity(3), WithTTL(time.Hour))
	c.Put(ctx, Key{JobID: "old", StageID: "a"}, Payload{})
	c.Put(ctx, Key{JobID: "old", StageID: "b"}, Payload{})
	clk.Advance(2 * time.Hour)
	c.Put(ctx, Key{JobID: "new", StageID: "a"}, Payload{})

	if c.Len() != 1 {
		t.Fatalf("expected only fresh entry to remain, got %d", c.Len())
	}
}

func TestPruneAndClear(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	c := New(WithClock(clk), WithTTL(time.Minute))
	c.Put(ctx, Key{JobID: "j", StageID: "a"}, Payload{})
	clk.Advance(2 * time.Minute)
	c.Put(ctx, Key{JobID: "j", StageID: "b"}, Payload{})

	if c.Len() != 1 {
		t.Fatalf("expected insert to evict expired entry, got %d", c.Len())
	}
	clk.Advance(2 * time.Minute)
	if n := c.Prune(ctx); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	c.Put(ctx, Key{JobID: "j", StageID: "c"}, Payload{})
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("expected empty cache after clear")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	keys := []Key{
		{JobID: "J", ItemID: "i/1", StageID: "vision"},
		{JobID: "J", StageID: "report"},
		{JobID: "Job", ItemID: "-", StageID: "x"},
	}
	for _, key := range keys {
		parsed, err := ParseKey(key.String())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", key.String(), err)
		}
		if parsed != key {
			t.Fatalf("round trip mismatch: %+v vs %+v", parsed, key)
		}
	}
	jobLevel := Key{JobID: "J", StageID: "report"}
	dashItem := Key{JobID: "J", ItemID: "-", StageID: "report"}
	if jobLevel.String() == dashItem.String() {
		t.Fatalf("item %q collides with the job-level key %q", dashItem.ItemID, jobLevel.String())
	}
	if got := dashItem.String(); got != "J/%2D/report" {
		t.Fatalf("unexpected key %q", got)
	}

	if (Key{JobID: "a", StageID: "B"}).String() == (Key{JobID: "a", StageID: "b"}).String() {
		t.Fatal("keys must be case-sensitive")
	}
	if _, err := ParseKey("nope"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
