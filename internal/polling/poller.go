package polling

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"stagewatch/internal/clock"
	"stagewatch/internal/identity"
	"stagewatch/internal/logging"
	"stagewatch/internal/queue"
	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stage"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = 2000 * time.Millisecond

// StatusFetcher returns the full status of a job.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*evalapi.JobStatus, error)
}

type job struct {
	refs    int
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	// stopped is set under Poller.mu when the loop exits on its own.
	stopped bool
}

// Poller runs one refresh loop per job.
type Poller struct {
	fetcher  StatusFetcher
	store    *queue.Store
	registry *identity.Registry
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	jobs      map[string]*job
	closeOnce sync.Once
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock injects the tick source.
func WithClock(clk clock.Clock) Option {
	return func(p *Poller) {
		if clk != nil {
			p.clock = clk
		}
	}
}

// WithLogger sets the poller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logging.NewComponentLogger(logger, "polling")
	}
}

// New builds a Poller. Loops start on demand through Start.
func New(fetcher StatusFetcher, store *queue.Store, registry *identity.Registry, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		store:    store,
		registry: registry,
		clock:    clock.Real(),
		logger:   logging.NewComponentLogger(nil, "polling"),
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Lease is one reference to a job's polling loop.
type Lease struct {
	p     *Poller
	jobID string
	once  sync.Once
}

// Release drops the reference; the loop stops with the last one. Repeated
// calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() { l.p.release(l.jobID) })
}

// Start returns a lease on jobID's polling loop, starting the loop on first
// use. A loop that already stopped because the job went terminal is started
// again; existing leases stay valid.
func (p *Poller) Start(jobID string, interval time.Duration) *Lease {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return &Lease{p: p, jobID: jobID}
	}
	j, ok := p.jobs[jobID]
	if !ok {
		j = &job{trigger: make(chan struct{}, 1)}
		p.jobs[jobID] = j
		p.spawn(jobID, j, interval)
	} else if j.stopped {
		j.cancel()
		p.spawn(jobID, j, interval)
	}
	j.refs++
	return &Lease{p: p, jobID: jobID}
}

// spawn starts a loop for j. The caller holds p.mu.
func (p *Poller) spawn(jobID string, j *job, interval time.Duration) {
	ctx, cancel := context.WithCancel(p.ctx)
	ctx = services.WithJobID(ctx, jobID)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.stopped = false
	p.wg.Add(1)
	go p.loop(ctx, jobID, j, j.done, interval)
}

// finish marks j stopped when every item of jobID is terminal. Checking under
// p.mu means a concurrent Start either sees the loop still running or
// restarts it.
func (p *Poller) finish(jobID string, j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.store.JobTerminal(jobID) {
		return false
	}
	j.stopped = true
	return true
}

func (p *Poller) release(jobID string) {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	j.refs--
	if j.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.jobs, jobID)
	p.mu.Unlock()
	j.cancel()
}

// Trigger requests an immediate refresh of jobID. It never blocks.
func (p *Poller) Trigger(jobID string) {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// Done returns a channel closed when jobID's loop exits, or nil when the job
// is not being polled.
func (p *Poller) Done(jobID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.jobs[jobID]; ok {
		return j.done
	}
	return nil
}

// Close stops every loop. Safe to call more than once.
func (p *Poller) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.jobs = make(map[string]*job)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Poller) loop(ctx context.Context, jobID string, j *job, done chan struct{}, interval time.Duration) {
	defer p.wg.Done()
	defer close(done)
	logger := logging.WithContext(ctx, p.logger)
	logger.Debug("polling started", logging.Duration("interval", interval))

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.trigger:
		case <-p.clock.After(interval):
		}

		if err := p.PollOnce(ctx, jobID); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 {
				logging.WarnWithContext(logger, "job status refresh failed", "status_poll_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check that the evaluation service is reachable"),
					logging.String(logging.FieldImpact, "item status may lag until the next successful refresh"),
				)
			} else {
				logger.Debug("job status refresh failed", logging.Int("consecutive_failures", failures), logging.Error(err))
			}
		} else {
			if failures > 0 {
				logger.Info("job status refresh recovered", logging.Int("failed_attempts", failures))
			}
			failures = 0
		}

		if p.finish(jobID, j) {
			logger.Debug("polling stopped; every item is terminal")
			return
		}
	}
}

// PollOnce fetches jobID's status and applies it to the store.
func (p *Poller) PollOnce(ctx context.Context, jobID string) error {
	status, err := p.fetcher.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status == nil {
		return nil
	}
	for _, reported := range status.Items {
		localID, ok := p.registry.Resolve(jobID, reported.ItemID)
		if !ok {
			continue
		}
		update, ok := updateFromStatus(reported)
		if !ok {
			p.logger.Debug("unrecognized item status ignored",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldItemID, reported.ItemID),
				logging.String("status", reported.Status),
			)
			continue
		}
		p.store.Apply(localID, update)
	}
	return nil
}

func updateFromStatus(reported evalapi.ItemStatus) (queue.Update, bool) {
	status, ok := queue.ParseStatus(reported.Status)
	if !ok {
		return queue.Update{}, false
	}
	update := queue.Update{Status: status, StageID: reported.CurrentStageID}
	if status.IsTerminal() {
		update.Percent = queue.Percent(stage.Ceiling)
		update.ErrorMessage = reported.ErrorMessage
		update.Result = reported.Result
		return update, true
	}
	if reported.ProgressPercent > 0 {
		update.Percent = queue.Percent(int(math.Round(reported.ProgressPercent)))
	}
	return update, true
}
