package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"stagewatch/internal/clock"
	"stagewatch/internal/identity"
	"stagewatch/internal/logging"
	"stagewatch/internal/queue"
	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stage"
)

// DefaultBuffer is the inbox capacity shared by all connections.
const DefaultBuffer = 256

var errJobTerminal = errors.New("job terminal")

type message struct {
	jobID string
	event evalapi.Event
}

type subscription struct {
	jobID  string
	refs   int
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	// stopped is set once the connection has been asked to close or has
	// closed itself. The entry stays until its references are released.
	stopped bool
}

// Manager owns the event connections for all tracked jobs.
type Manager struct {
	opener     Opener
	store      *queue.Store
	registry   *identity.Registry
	table      *stage.Table
	policy     Policy
	clock      clock.Clock
	logger     *slog.Logger
	onTerminal func(jobID string)
	buffer     int

	inbox  chan message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	subs      map[string]*subscription
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p.MaxAttempts >= 0 {
			m.policy.MaxAttempts = p.MaxAttempts
		}
		if p.Cap > 0 {
			m.policy.Cap = p.Cap
		}
	}
}

// WithClock injects the time source used for backoff delays.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.NewComponentLogger(logger, "stream")
	}
}

// WithTable overrides the stage table used for normalization.
func WithTable(t *stage.Table) Option {
	return func(m *Manager) {
		if t != nil {
			m.table = t
		}
	}
}

// WithBuffer sets the inbox capacity.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithJobTerminalHook registers fn to run on the consumer goroutine after a
// terminal-for-job event has been applied.
func WithJobTerminalHook(fn func(jobID string)) Option {
	return func(m *Manager) {
		m.onTerminal = fn
	}
}

// NewManager starts the consumer goroutine. Call Close to release it.
func NewManager(opener Opener, store *queue.Store, registry *identity.Registry, opts ...Option) *Manager {
	m := &Manager{
		opener:   opener,
		store:    store,
		registry: registry,
		table:    stage.DefaultTable(),
		policy:   DefaultPolicy(),
		clock:    clock.Real(),
		logger:   logging.NewComponentLogger(nil, "stream"),
		buffer:   DefaultBuffer,
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.inbox = make(chan message, m.buffer)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.consume()
	return m
}

// Handle is one reference to a job's connection.
type Handle struct {
	m     *Manager
	jobID string
	once  sync.Once
}

// JobID returns the job the handle refers to.
func (h *Handle) JobID() string { return h.jobID }

// Release drops the reference. The connection closes when the last
// reference is released. Calling Release more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.release(h.jobID) })
}

// Subscribe returns a reference to jobID's connection, opening it on first
// use. A stopped connection is reopened when the job has active items again.
func (m *Manager) Subscribe(jobID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return &Handle{m: m, jobID: jobID}
	}
	sub, ok := m.subs[jobID]
	switch {
	case !ok:
		sub = m.open(jobID, 0)
	case m.closed(sub) && m.store.HasActive(jobID):
		m.logger.Debug("stream reopened for new work",
			logging.String(logging.FieldJobID, jobID),
		)
		sub.cancel()
		sub = m.open(jobID, sub.refs)
	}
	sub.refs++
	return &Handle{m: m, jobID: jobID}
}

// open starts a connection loop for jobID and installs it in the table.
// The caller holds m.mu.
func (m *Manager) open(jobID string, refs int) *subscription {
	ctx, cancel := context.WithCancel(m.ctx)
	ctx = services.WithJobID(ctx, jobID)
	sub := &subscription{jobID: jobID, refs: refs, cancel: cancel, done: make(chan struct{})}
	m.subs[jobID] = sub
	m.wg.Add(1)
	go m.run(ctx, sub)
	return sub
}

// closed reports whether sub's loop has exited or is on its way out.
// The caller holds m.mu.
func (m *Manager) closed(sub *subscription) bool {
	return sub.stopped || sub.state.Phase == PhaseStopped
}

func (m *Manager) release(jobID string) {
	m.mu.Lock()
	sub, ok := m.subs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, jobID)
	m.mu.Unlock()
	sub.cancel()
}

// Stop closes jobID's connection without dropping references. A later
// Subscribe reopens it if the job has active items by then.
func (m *Manager) Stop(jobID string) {
	m.mu.Lock()
	sub, ok := m.subs[jobID]
	if ok {
		sub.stopped = true
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// State reports the connection state for jobID.
func (m *Manager) State(jobID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[jobID]
	if !ok {
		return State{}, false
	}
	return sub.state, true
}

// Refs returns the number of live references to jobID's connection.
func (m *Manager) Refs(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[jobID]; ok {
		return sub.refs
	}
	return 0
}

// Done returns a channel closed when jobID's connection loop has exited.
// It returns nil when the job has no subscription.
func (m *Manager) Done(jobID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[jobID]; ok {
		return sub.done
	}
	return nil
}

// Close stops every connection and the consumer. It is safe to call more
// than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.subs = make(map[string]*subscription)
		m.mu.Unlock()
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Manager) step(sub *subscription, in Input) Action {
	m.mu.Lock()
	next, action := Transition(sub.state, in, m.policy)
	sub.state = next
	m.mu.Unlock()
	return action
}

func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	defer close(sub.done)
	logger := logging.WithContext(ctx, m.logger)

	action := m.step(sub, Input{Kind: InputStart})
	for {
		switch action.Kind {
		case ActionConnect:
			action = m.connect(ctx, sub, logger)
		case ActionWait:
			logger.Debug("stream reconnect scheduled",
				logging.Duration("delay", action.Delay),
				logging.Int("attempt", sub.attempt(m)),
			)
			select {
			case <-ctx.Done():
				action = m.step(sub, Input{Kind: InputReleased})
			case <-m.clock.After(action.Delay):
				action = m.step(sub, Input{Kind: InputTimerFired})
			}
		default:
			m.mu.Lock()
			final := sub.state
			m.mu.Unlock()
			if final.GaveUp {
				logging.WarnWithContext(logger, "stream retries exhausted", "stream_gave_up",
					logging.Int("max_attempts", m.policy.MaxAttempts),
					logging.String(logging.FieldErrorHint, "check the event stream endpoint of the evaluation service"),
					logging.String(logging.FieldImpact, "progress updates now arrive by polling only"),
				)
			} else {
				logger.Debug("stream closed")
			}
			return
		}
	}
}

func (s *subscription) attempt(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state.Attempt
}

func (m *Manager) connect(ctx context.Context, sub *subscription, logger *slog.Logger) Action {
	if ctx.Err() != nil {
		return m.step(sub, Input{Kind: InputReleased})
	}
	src, err := m.opener.Open(ctx, sub.jobID)
	if err != nil {
		if ctx.Err() != nil {
			return m.step(sub, Input{Kind: InputReleased})
		}
		m.logDrop(logger, &Error{JobID: sub.jobID, Attempt: sub.attempt(m), Err: err})
		return m.step(sub, Input{Kind: InputDropped, Active: m.store.HasActive(sub.jobID)})
	}
	m.step(sub, Input{Kind: InputConnected})
	logger.Debug("stream connected")

	err = m.read(ctx, sub.jobID, src)
	_ = src.Close()
	switch {
	case errors.Is(err, errJobTerminal):
		return m.step(sub, Input{Kind: InputJobTerminal})
	case ctx.Err() != nil:
		return m.step(sub, Input{Kind: InputReleased})
	}
	if !errors.Is(err, io.EOF) {
		m.logDrop(logger, &Error{JobID: sub.jobID, Attempt: sub.attempt(m), Err: err})
	} else {
		logger.Debug("stream ended by server")
	}
	return m.step(sub, Input{Kind: InputDropped, Active: m.store.HasActive(sub.jobID)})
}

func (m *Manager) read(ctx context.Context, jobID string, src Source) error {
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()
	for {
		event, err := src.Next()
		if errors.Is(err, services.ErrValidation) {
			m.logger.Debug("malformed stream event skipped",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
			)
			continue
		}
		if err != nil {
			return err
		}
		select {
		case m.inbox <- message{jobID: jobID, event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if event.TerminalForJob {
			return errJobTerminal
		}
	}
}

func (m *Manager) logDrop(logger *slog.Logger, err *Error) {
	logger.Info("stream connection lost",
		logging.Int("attempt", err.Attempt),
		logging.Error(err),
	)
}

func (m *Manager) consume() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.inbox:
			m.apply(msg)
		}
	}
}

func (m *Manager) apply(msg message) {
	event := msg.event
	status := queue.StatusProcessing
	if parsed, ok := queue.ParseStatus(event.Status); ok && parsed != queue.StatusQueued {
		status = parsed
	}
	fraction := stage.Fraction(event.Progress)

	for _, localID := range m.targets(msg.jobID, event.ItemID) {
		item, ok := m.store.Get(localID)
		if !ok {
			continue
		}
		update := queue.Update{Status: status, StageID: event.StageID, Message: event.Message}
		if event.StageID != "" {
			update.Percent = queue.Percent(m.table.Normalize(event.StageID, fraction, item.ProgressPercent))
		}
		if status.IsTerminal() {
			update.ErrorMessage = event.Error
			if status == queue.StatusCompleted {
				update.Percent = queue.Percent(stage.Ceiling)
			}
		}
		m.store.Apply(localID, update)
	}

	if event.TerminalForJob && m.onTerminal != nil {
		m.onTerminal(msg.jobID)
	}
}

func (m *Manager) targets(jobID, itemID string) []string {
	if itemID == "" {
		return m.registry.LocalIDsForJob(jobID)
	}
	localID, ok := m.registry.Resolve(jobID, itemID)
	if !ok {
		m.logger.Debug("event for untracked item dropped",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldItemID, itemID),
		)
		return nil
	}
	return []string{localID}
}
