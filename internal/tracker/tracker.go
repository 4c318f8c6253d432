package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagewatch/internal/clock"
	"stagewatch/internal/identity"
	"stagewatch/internal/logging"
	"stagewatch/internal/polling"
	"stagewatch/internal/queue"
	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stagecache"
	"stagewatch/internal/stream"
)

// Service is the subset of the evaluation service the tracker calls.
type Service interface {
	CreateJob(ctx context.Context, req evalapi.CreateJobRequest) (*evalapi.CreateJobResponse, error)
	JobStatus(ctx context.Context, jobID string) (*evalapi.JobStatus, error)
	StageOutput(ctx context.Context, jobID, itemID, stageID string) (map[string]any, error)
}

type leases struct {
	stream *stream.Handle
	poll   *polling.Lease
}

func (l *leases) release() {
	l.stream.Release()
	l.poll.Release()
}

// Tracker follows items across their jobs.
type Tracker struct {
	service  Service
	store    *queue.Store
	registry *identity.Registry
	streams  *stream.Manager
	poller   *polling.Poller
	resolver *stagecache.Resolver
	interval time.Duration
	logger   *slog.Logger
	closers  []func() error

	mu          sync.Mutex
	held        map[string]*leases
	unsubscribe func()
	closeOnce   sync.Once
}

type settings struct {
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
	policy   stream.Policy
	buffer   int
	cache    *stagecache.Cache
	closers  []func() error
}

// Option configures a Tracker.
type Option func(*settings)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock injects the time source for backoff, polling and cache expiry.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithPollInterval sets the polling fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStreamPolicy sets the stream reconnect policy.
func WithStreamPolicy(p stream.Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithEventBuffer sets the stream inbox size.
func WithEventBuffer(n int) Option {
	return func(s *settings) { s.buffer = n }
}

// WithCache supplies the stage output cache. Without it an in-memory cache
// with default limits is used.
func WithCache(c *stagecache.Cache) Option {
	return func(s *settings) { s.cache = c }
}

func withCloser(fn func() error) Option {
	return func(s *settings) { s.closers = append(s.closers, fn) }
}

// New wires a tracker. opener supplies the per-job event connections.
func New(service Service, opener stream.Opener, opts ...Option) *Tracker {
	s := settings{
		clock:    clock.Real(),
		interval: polling.DefaultInterval,
		policy:   stream.DefaultPolicy(),
		buffer:   stream.DefaultBuffer,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.cache == nil {
		s.cache = stagecache.New(stagecache.WithClock(s.clock), stagecache.WithLogger(s.logger))
	}

	t := &Tracker{
		service:  service,
		store:    queue.NewStore(queue.WithClock(s.clock.Now)),
		registry: identity.NewRegistry(),
		interval: s.interval,
		logger:   logging.NewComponentLogger(s.logger, "tracker"),
		closers:  s.closers,
		held:     make(map[string]*leases),
	}
	t.poller = polling.New(service, t.store, t.registry,
		polling.WithClock(s.clock),
		polling.WithLogger(s.logger),
	)
	t.streams = stream.NewManager(opener, t.store, t.registry,
		stream.WithClock(s.clock),
		stream.WithLogger(s.logger),
		stream.WithPolicy(s.policy),
		stream.WithBuffer(s.buffer),
		stream.WithJobTerminalHook(t.poller.Trigger),
	)
	t.resolver = stagecache.NewResolver(s.cache, service, stagecache.WithResolverLogger(s.logger))
	t.unsubscribe = t.store.Subscribe(t.observe)
	return t
}

// RegisterItem creates a queued item with a fresh local id.
func (t *Tracker) RegisterItem() string {
	for {
		localID := uuid.NewString()
		if _, err := t.store.Register(localID); err == nil {
			return localID
		}
	}
}

// SubmitAndTrack binds localID to its remote ids and starts following the
// job. A conflicting binding returns *identity.ConflictError.
func (t *Tracker) SubmitAndTrack(localID, jobID, itemID string) error {
	if _, ok := t.store.Get(localID); !ok {
		return services.Wrap(services.ErrValidation, "tracker", "submit and track",
			fmt.Sprintf("local id %q is not registered", localID), queue.ErrNotFound)
	}
	if err := t.registry.Assign(localID, jobID, itemID); err != nil {
		return err
	}
	if err := t.store.BindRemote(localID, jobID, itemID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[localID]; ok {
		return nil
	}
	t.held[localID] = &leases{
		stream: t.streams.Subscribe(jobID),
		poll:   t.poller.Start(jobID, t.interval),
	}
	t.logger.Debug("tracking item",
		logging.String(logging.FieldLocalID, localID),
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldItemID, itemID),
	)
	return nil
}

// Item returns a snapshot of localID.
func (t *Tracker) Item(localID string) (queue.Item, bool) {
	return t.store.Get(localID)
}

// Items returns snapshots of every tracked item.
func (t *Tracker) Items() []queue.Item {
	return t.store.List()
}

// StageOutput resolves one stage output for localID. It never fails; a
// missing or unbound item yields an unavailable output.
func (t *Tracker) StageOutput(ctx context.Context, localID, stageID string) stagecache.Output {
	item, ok := t.store.Get(localID)
	if !ok || !item.IsBound() {
		return stagecache.Output{Key: stagecache.Key{StageID: stageID}, Source: stagecache.SourceUnavailable}
	}
	return t.resolver.Output(ctx, stagecache.Request{
		JobID:       item.RemoteJobID,
		ItemID:      item.RemoteItemID,
		StageID:     stageID,
		FinalResult: item.Result,
	})
}

// UnregisterItem stops following localID and forgets it. Unknown ids are
// ignored.
func (t *Tracker) UnregisterItem(localID string) {
	t.mu.Lock()
	held, ok := t.held[localID]
	delete(t.held, localID)
	t.mu.Unlock()
	if ok {
		held.release()
	}
	t.registry.Release(localID)
	t.store.Remove(localID)
}

// Submit registers one item per spec, creates the job, and tracks every
// returned item. It returns the job id and local ids in spec order. When an
// item cannot be tracked, it and every later item are unregistered and only
// the ids tracked so far are returned.
func (t *Tracker) Submit(ctx context.Context, specs []evalapi.ItemSpec) (string, []string, error) {
	if len(specs) == 0 {
		return "", nil, services.Wrap(services.ErrValidation, "tracker", "submit", "no items", nil)
	}
	localIDs := make([]string, len(specs))
	req := evalapi.CreateJobRequest{Items: make([]evalapi.ItemSpec, len(specs))}
	for i, spec := range specs {
		localIDs[i] = t.RegisterItem()
		spec.ClientRef = localIDs[i]
		req.Items[i] = spec
	}

	resp, err := t.service.CreateJob(ctx, req)
	if err != nil {
		for _, localID := range localIDs {
			t.UnregisterItem(localID)
		}
		return "", nil, fmt.Errorf("create job: %w", err)
	}

	byRef := make(map[string]string, len(resp.Items))
	for _, created := range resp.Items {
		if created.ClientRef != "" {
			byRef[created.ClientRef] = created.ItemID
		}
	}
	for i, localID := range localIDs {
		itemID, ok := byRef[localID]
		if !ok && i < len(resp.Items) {
			itemID = resp.Items[i].ItemID
		}
		if err := t.SubmitAndTrack(localID, resp.JobID, itemID); err != nil {
			for _, untracked := range localIDs[i:] {
				t.UnregisterItem(untracked)
			}
			return resp.JobID, localIDs[:i], err
		}
	}
	logging.WithContext(services.WithJobID(ctx, resp.JobID), t.logger).Info("job submitted",
		logging.Int("items", len(localIDs)),
	)
	return resp.JobID, localIDs, nil
}

// Track follows an existing job. With no itemIDs the job's items are
// discovered through a status fetch. It returns local ids in item order.
func (t *Tracker) Track(ctx context.Context, jobID string, itemIDs ...string) ([]string, error) {
	if len(itemIDs) == 0 {
		status, err := t.service.JobStatus(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("discover items of %s: %w", jobID, err)
		}
		for _, item := range status.Items {
			itemIDs = append(itemIDs, item.ItemID)
		}
		if len(itemIDs) == 0 {
			return nil, services.Wrap(services.ErrNotFound, "tracker", "track", fmt.Sprintf("job %s has no items", jobID), nil)
		}
	}

	localIDs := make([]string, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		if existing, ok := t.registry.Resolve(jobID, itemID); ok {
			localIDs = append(localIDs, existing)
			continue
		}
		localID := t.RegisterItem()
		if err := t.SubmitAndTrack(localID, jobID, itemID); err != nil {
			t.UnregisterItem(localID)
			return localIDs, err
		}
		localIDs = append(localIDs, localID)
	}
	if err := t.poller.PollOnce(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Debug("initial status refresh failed", logging.String(logging.FieldJobID, jobID), logging.Error(err))
	}
	return localIDs, nil
}

// Wait blocks until every item in localIDs is terminal or gone.
func (t *Tracker) Wait(ctx context.Context, localIDs []string) error {
	changed := make(chan struct{}, 1)
	cancel := t.store.Subscribe(func(queue.Item) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()
	for {
		if t.allTerminal(localIDs) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// OnChange registers fn for every item change and returns a cancel function.
func (t *Tracker) OnChange(fn func(queue.Item)) func() {
	return t.store.Subscribe(fn)
}

// StreamState reports the connection state of jobID's event stream.
func (t *Tracker) StreamState(jobID string) (stream.State, bool) {
	return t.streams.State(jobID)
}

// Resolver exposes the stage output resolver for direct lookups.
func (t *Tracker) Resolver() *stagecache.Resolver {
	return t.resolver
}

// Summary aggregates tracked item counts.
func (t *Tracker) Summary() queue.HealthSummary {
	return t.store.Summary()
}

// Close stops every stream and polling loop and releases owned resources.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.unsubscribe()
		t.mu.Lock()
		held := t.held
		t.held = make(map[string]*leases)
		t.mu.Unlock()
		for _, l := range held {
			l.release()
		}
		t.streams.Close()
		t.poller.Close()
		for _, closer := range t.closers {
			err = errors.Join(err, closer())
		}
	})
	return err
}

func (t *Tracker) observe(item queue.Item) {
	if !item.Status.IsTerminal() || item.RemoteJobID == "" {
		return
	}
	if t.store.JobTerminal(item.RemoteJobID) {
		t.streams.Stop(item.RemoteJobID)
	}
}

func (t *Tracker) allTerminal(localIDs []string) bool {
	for _, localID := range localIDs {
		item, ok := t.store.Get(localID)
		if ok && !item.Status.IsTerminal() {
			return false
		}
	}
	return true
}
