package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store holds tracked items in memory. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string]*Item
	now   func() time.Time

	listenerMu sync.Mutex
	listeners  map[int]func(Item)
	nextID     int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items:     make(map[string]*Item),
		now:       time.Now,
		listeners: make(map[int]func(Item)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a queued record for localID.
func (s *Store) Register(localID string) (Item, error) {
	s.mu.Lock()
	if _, exists := s.items[localID]; exists {
		s.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrDuplicate, localID)
	}
	now := s.now()
	item := &Item{LocalID: localID, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	s.items[localID] = item
	snapshot := item.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// BindRemote records the remote job and item ids for localID. Binding is set
// once; repeating the same pair is a no-op.
func (s *Store) BindRemote(localID, jobID, itemID string) error {
	s.mu.Lock()
	item, ok := s.items[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	if item.IsBound() {
		same := item.RemoteJobID == jobID && item.RemoteItemID == itemID
		s.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s/%s", ErrAlreadyBound, localID, item.RemoteJobID, item.RemoteItemID)
	}
	item.RemoteJobID = jobID
	item.RemoteItemID = itemID
	item.UpdatedAt = s.now()
	snapshot := item.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// Apply merges u into the item under the progress rules in applyUpdate and
// reports whether anything changed. Unknown ids are ignored.
func (s *Store) Apply(localID string, u Update) (Item, bool) {
	s.mu.Lock()
	item, ok := s.items[localID]
	if !ok {
		s.mu.Unlock()
		return Item{}, false
	}
	changed := applyUpdate(item, u)
	if changed {
		item.UpdatedAt = s.now()
	}
	snapshot := item.clone()
	s.mu.Unlock()

	if changed {
		s.notify(snapshot)
	}
	return snapshot, changed
}

// Get returns a snapshot of the item.
func (s *Store) Get(localID string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[localID]
	if !ok {
		return Item{}, false
	}
	return item.clone(), true
}

// List returns snapshots of every item ordered by creation time.
func (s *Store) List() []Item {
	s.mu.RLock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.clone())
	}
	s.mu.RUnlock()
	sortItems(out)
	return out
}

// ItemsForJob returns snapshots of items bound to jobID.
func (s *Store) ItemsForJob(jobID string) []Item {
	s.mu.RLock()
	var out []Item
	for _, item := range s.items {
		if item.RemoteJobID == jobID {
			out = append(out, item.clone())
		}
	}
	s.mu.RUnlock()
	sortItems(out)
	return out
}

// JobTerminal reports whether jobID has tracked items and all of them are terminal.
func (s *Store) JobTerminal(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := false
	for _, item := range s.items {
		if item.RemoteJobID != jobID {
			continue
		}
		seen = true
		if !item.Status.IsTerminal() {
			return false
		}
	}
	return seen
}

// HasActive reports whether any tracked item of jobID is still queued or processing.
func (s *Store) HasActive(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.RemoteJobID == jobID && !item.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Remove deletes the item. Unknown ids are ignored.
func (s *Store) Remove(localID string) {
	s.mu.Lock()
	delete(s.items, localID)
	s.mu.Unlock()
}

// Summary aggregates item counts by status.
func (s *Store) Summary() HealthSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum HealthSummary
	for _, item := range s.items {
		sum.Total++
		switch item.Status {
		case StatusQueued:
			sum.Queued++
		case StatusProcessing:
			sum.Processing++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		case StatusCancelled:
			sum.Cancelled++
		}
	}
	return sum
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function removes the listener. Listeners run on the writer's
// goroutine and must not block.
func (s *Store) Subscribe(fn func(Item)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *Store) notify(item Item) {
	s.listenerMu.Lock()
	fns := make([]func(Item), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(item)
	}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].LocalID < items[j].LocalID
	})
}
