package stagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"stagewatch/internal/derive"
	"stagewatch/internal/logging"
	"stagewatch/internal/services"
)

// Source records where an Output came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceFetched     Source = "fetched"
	SourceDerived     Source = "derived"
	SourceUnavailable Source = "unavailable"
)

// Output is the result of resolving one stage output. Payload is nil only
// when Source is SourceUnavailable.
type Output struct {
	Key      Key       `json:"key"`
	Source   Source    `json:"source"`
	Payload  Payload   `json:"payload,omitempty"`
	StoredAt time.Time `json:"stored_at,omitzero"`
}

// Available reports whether the output carries a payload.
func (o Output) Available() bool {
	return o.Source != SourceUnavailable
}

// FetchError wraps a failed stage-output fetch.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch stage output %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves a stage output from the remote service. A nil map with a
// nil error means the service has nothing for that stage yet.
type Fetcher interface {
	StageOutput(ctx context.Context, jobID, itemID, stageID string) (map[string]any, error)
}

// Request identifies the output to resolve. FinalResult is the item's final
// result when known; it enables derivation when fetching fails.
type Request struct {
	JobID       string
	ItemID      string
	StageID     string
	FinalResult json.RawMessage
}

func (r Request) key() Key {
	return Key{JobID: r.JobID, ItemID: r.ItemID, StageID: r.StageID}
}

// Resolver answers stage-output reads: cache, then fetch, then derivation,
// then unavailable. It never returns an error.
type Resolver struct {
	cache   *Cache
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logging.NewComponentLogger(logger, "stagecache")
	}
}

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) ResolverOption {
	return func(r *Resolver) {
		r.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// DefaultBreakerSettings trips after five consecutive transport failures and
// probes again after thirty seconds. Not-found responses count as successes.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "stage-output",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, services.ErrNotFound) || errors.Is(err, context.Canceled)
		},
	}
}

// NewResolver builds a resolver over cache. fetcher may be nil, in which case
// only cached and derived outputs are served.
func NewResolver(cache *Cache, fetcher Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:   cache,
		fetcher: fetcher,
		breaker: gobreaker.NewCircuitBreaker(DefaultBreakerSettings()),
		logger:  logging.NewComponentLogger(nil, "stagecache"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache exposes the underlying cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Output resolves req. Concurrent misses for the same key share one fetch.
func (r *Resolver) Output(ctx context.Context, req Request) Output {
	key := req.key()
	ctx = services.WithJobID(ctx, req.JobID)
	ctx = services.WithItemID(ctx, req.ItemID)
	ctx = services.WithStage(ctx, req.StageID)
	logger := logging.WithContext(ctx, r.logger)

	if entry, ok := r.cache.Get(ctx, key); ok {
		return Output{Key: key, Source: SourceCache, Payload: entry.Payload, StoredAt: entry.StoredAt}
	}

	if r.fetcher != nil {
		v, err, _ := r.group.Do(key.String(), func() (any, error) {
			return r.fetch(ctx, key)
		})
		if err == nil {
			if out, ok := v.(Output); ok && out.Available() {
				return out
			}
		} else {
			r.logFetchError(logger, err)
		}
	}

	if len(req.FinalResult) > 0 {
		payload := derive.Derive(req.StageID, req.FinalResult)
		entry := r.cache.Put(ctx, key, payload)
		logger.Debug("stage output derived from final result")
		return Output{Key: key, Source: SourceDerived, Payload: payload, StoredAt: entry.StoredAt}
	}

	return Output{Key: key, Source: SourceUnavailable}
}

func (r *Resolver) fetch(ctx context.Context, key Key) (Output, error) {
	v, err := r.breaker.Execute(func() (any, error) {
		return r.fetcher.StageOutput(ctx, key.JobID, key.ItemID, key.StageID)
	})
	if err != nil {
		return Output{}, &FetchError{Key: key, Err: err}
	}
	payload, _ := v.(map[string]any)
	if len(payload) == 0 {
		return Output{Key: key, Source: SourceUnavailable}, nil
	}
	entry := r.cache.Put(ctx, key, payload)
	return Output{Key: key, Source: SourceFetched, Payload: payload, StoredAt: entry.StoredAt}, nil
}

func (r *Resolver) logFetchError(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		logger.Debug("stage output not stored remotely", logging.Error(err))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.Debug("stage output fetch skipped; breaker open", logging.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		logging.WarnWithContext(logger, "stage output fetch failed", "stage_output_fetch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check service connectivity"),
			logging.String(logging.FieldImpact, "falling back to locally derived output"),
		)
	}
}
