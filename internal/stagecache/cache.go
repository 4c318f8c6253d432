package stagecache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stagewatch/internal/clock"
	"stagewatch/internal/derive"
	"stagewatch/internal/logging"
)

const (
	// DefaultCapacity bounds the number of entries kept across all jobs.
	DefaultCapacity = 100
	// DefaultTTL is how long an entry stays fresh after it was stored.
	DefaultTTL = 24 * time.Hour
)

// Payload is an opaque stage output object.
type Payload = derive.Payload

// Entry is one cached stage output.
type Entry struct {
	Key      Key
	Payload  Payload
	StoredAt time.Time
	seq      uint64
}

// Persister mirrors cache contents to durable storage.
type Persister interface {
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, keys []Key) error
	LoadAll(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
}

// Cache is a bounded, TTL-limited map of stage outputs. Eviction runs on every
// insert: expired entries first, then the globally oldest entries until the
// cache is back within capacity.
type Cache struct {
	mu        sync.Mutex
	entries   map[Key]*Entry
	capacity  int
	ttl       time.Duration
	clock     clock.Clock
	persister Persister
	logger    *slog.Logger
	seq       uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity overrides DefaultCapacity. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithPersister mirrors writes to p.
func WithPersister(p Persister) Option {
	return func(c *Cache) {
		c.persister = p
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logging.NewComponentLogger(logger, "stagecache")
	}
}

// New builds an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[Key]*Entry),
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		clock:    clock.Real(),
		logger:   logging.NewComponentLogger(nil, "stagecache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load hydrates the cache from its persister and applies eviction, so stale
// or surplus rows from a previous run are dropped immediately.
func (c *Cache) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	loaded, err := c.persister.LoadAll(ctx)
	if err != nil {
		return err
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].StoredAt.Before(loaded[j].StoredAt) })

	c.mu.Lock()
	for i := range loaded {
		entry := loaded[i]
		c.seq++
		entry.seq = c.seq
		c.entries[entry.Key] = &entry
	}
	evicted := c.evictLocked(c.clock.Now())
	c.mu.Unlock()

	c.persistDelete(ctx, evicted)
	if len(evicted) > 0 {
		c.logger.Debug("dropped stale cache rows on load", logging.Int("evicted", len(evicted)))
	}
	return nil
}

// Get returns a fresh entry's payload. Expired entries are removed and
// reported as missing.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, false
	}
	if c.expired(entry, c.clock.Now()) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.persistDelete(ctx, []Key{key})
		return Entry{}, false
	}
	out := *entry
	c.mu.Unlock()
	return out, true
}

// Put stores payload under key with the current time and runs eviction.
func (c *Cache) Put(ctx context.Context, key Key, payload Payload) Entry {
	now := c.clock.Now()

	c.mu.Lock()
	c.seq++
	entry := &Entry{Key: key, Payload: payload, StoredAt: now, seq: c.seq}
	c.entries[key] = entry
	evicted := c.evictLocked(now)
	out := *entry
	c.mu.Unlock()

	if c.persister != nil {
		if err := c.persister.Save(ctx, out); err != nil {
			logging.WarnWithContext(c.logger, "stage output not persisted", "cache_persist_failed",
				logging.String("key", key.String()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the cache database path and permissions"),
				logging.String(logging.FieldImpact, "output will be refetched after restart"),
			)
		}
	}
	c.persistDelete(ctx, evicted)
	return out
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key Key) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.persistDelete(ctx, []Key{key})
	}
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune(ctx context.Context) int {
	now := c.clock.Now()
	c.mu.Lock()
	var evicted []Key
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	c.mu.Unlock()
	c.persistDelete(ctx, evicted)
	return len(evicted)
}

// Clear drops every entry, including persisted rows.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[Key]*Entry)
	c.mu.Unlock()
	if c.persister == nil {
		return nil
	}
	return c.persister.Clear(ctx)
}

// Entries returns every entry, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	c.mu.Unlock()
	sortOldestFirst(out)
	return out
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured entry limit.
func (c *Cache) Capacity() int { return c.capacity }

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) expired(entry *Entry, now time.Time) bool {
	return now.Sub(entry.StoredAt) > c.ttl
}

func (c *Cache) evictLocked(now time.Time) []Key {
	var evicted []Key
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	if len(c.entries) <= c.capacity {
		return evicted
	}
	ordered := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		ordered = append(ordered, *entry)
	}
	sortOldestFirst(ordered)
	for _, entry := range ordered[:len(ordered)-c.capacity] {
		delete(c.entries, entry.Key)
		evicted = append(evicted, entry.Key)
	}
	return evicted
}

func (c *Cache) persistDelete(ctx context.Context, keys []Key) {
	if c.persister == nil || len(keys) == 0 {
		return
	}
	if err := c.persister.Delete(ctx, keys); err != nil {
		c.logger.Debug("evicted rows not removed from cache database", logging.Int("count", len(keys)), logging.Error(err))
	}
}

func sortOldestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].StoredAt.Before(entries[j].StoredAt)
		}
		return entries[i].seq < entries[j].seq
	})
}
