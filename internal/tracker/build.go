package tracker

import (
	"context"
	"errors"
	"log/slog"

	"stagewatch/internal/config"
	"stagewatch/internal/logging"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stagecache"
	"stagewatch/internal/stream"
)

// NewFromConfig builds a tracker talking to the configured service. When
// cache persistence is enabled the stage output cache is backed by SQLite;
// if another process holds the database the cache stays in memory.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Tracker, error) {
	client, err := evalapi.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	cache, closer, err := OpenCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithLogger(logger),
		WithPollInterval(cfg.PollInterval()),
		WithStreamPolicy(stream.Policy{MaxAttempts: cfg.Tracking.StreamMaxAttempts, Cap: cfg.StreamBackoffCap()}),
		WithEventBuffer(cfg.Tracking.EventBuffer),
		WithCache(cache),
	}
	if closer != nil {
		opts = append(opts, withCloser(closer))
	}
	return New(client, stream.ClientOpener(client), opts...), nil
}

// OpenCache builds the stage output cache described by cfg and returns a
// closer for its database, which is nil when the cache is memory-only.
func OpenCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stagecache.Cache, func() error, error) {
	opts := []stagecache.Option{
		stagecache.WithCapacity(cfg.Cache.Capacity),
		stagecache.WithTTL(cfg.CacheTTL()),
		stagecache.WithLogger(logger),
	}
	if !cfg.Cache.Persist {
		return stagecache.New(opts...), nil, nil
	}

	componentLogger := logging.NewComponentLogger(logger, "stagecache")
	store, err := stagecache.OpenSQLite(ctx, cfg.Cache.Path)
	if errors.Is(err, stagecache.ErrLocked) {
		logging.WarnWithContext(componentLogger, "stage output cache in use by another process", "cache_locked",
			logging.String("path", cfg.Cache.Path),
			logging.String(logging.FieldErrorHint, "close the other stagewatch process to share cached outputs"),
			logging.String(logging.FieldImpact, "stage outputs are cached in memory for this run only"),
		)
		return stagecache.New(opts...), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	cache := stagecache.New(append(opts, stagecache.WithPersister(store))...)
	if err := cache.Load(ctx); err != nil {
		logging.WarnWithContext(componentLogger, "cached stage outputs not loaded", "cache_load_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `stagewatch cache clear --reset` if the database is damaged"),
			logging.String(logging.FieldImpact, "previously cached outputs will be refetched"),
		)
	}
	return cache, store.Close, nil
}
