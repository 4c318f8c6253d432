package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stagewatch/internal/config"
	"stagewatch/internal/derive"
	"stagewatch/internal/stagecache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the persisted stage output cache",
	}
	cmd.AddCommand(newCacheListCommand(ctx))
	cmd.AddCommand(newCachePruneCommand(ctx))
	cmd.AddCommand(newCacheClearCommand(ctx))
	return cmd
}

type cacheEntryView struct {
	Key      string    `json:"key"`
	JobID    string    `json:"job_id"`
	ItemID   string    `json:"item_id,omitempty"`
	StageID  string    `json:"stage_id"`
	Derived  bool      `json:"derived"`
	StoredAt time.Time `json:"stored_at"`
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached stage outputs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cache, closeCache, err := openPersistedCache(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeCache()

			entries := cache.Entries()
			views := make([]cacheEntryView, 0, len(entries))
			for _, entry := range entries {
				views = append(views, cacheEntryView{
					Key:      entry.Key.String(),
					JobID:    entry.Key.JobID,
					ItemID:   entry.Key.ItemID,
					StageID:  entry.Key.StageID,
					Derived:  derive.IsDerived(entry.Payload),
					StoredAt: entry.StoredAt,
				})
			}
			if jsonOut {
				return writeJSON(cmd, views)
			}

			out := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintln(out, "Cache is empty")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(views))
			for _, view := range views {
				item := view.ItemID
				if item == "" {
					item = "-"
				}
				rows = append(rows, []string{
					view.JobID,
					item,
					view.StageID,
					yesNo(view.Derived),
					view.StoredAt.Local().Format("2006-01-02 15:04"),
					now.Sub(view.StoredAt).Truncate(time.Minute).String(),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Job", "Item", "Stage", "Derived", "Stored", "Age"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			fmt.Fprintf(out, "%d of %d entries, ttl %s\n", len(views), cache.Capacity(), cache.TTL())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop expired and surplus cache rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := openCacheStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.LoadAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("read cache rows: %w", err)
			}
			cache := newCacheFor(cfg, store)
			if err := cache.Load(cmd.Context()); err != nil {
				return fmt.Errorf("load cache: %w", err)
			}
			dropped := len(rows) - cache.Len()
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries (%d remaining)\n", dropped, cache.Len())
			return nil
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached stage output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Cache.Persist {
				return errors.New("cache persistence is disabled (cache.persist = false)")
			}
			out := cmd.OutOrStdout()
			if reset {
				if err := stagecache.Reset(cfg.Cache.Path); err != nil {
					return cacheOpenError(cfg, err)
				}
				fmt.Fprintf(out, "Removed cache database %s\n", cfg.Cache.Path)
				return nil
			}

			store, err := openCacheStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			fmt.Fprintln(out, "Cache cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Delete the database file instead of emptying it")
	return cmd
}

func openCacheStore(ctx context.Context, cfg *config.Config) (*stagecache.SQLiteStore, error) {
	if !cfg.Cache.Persist {
		return nil, errors.New("cache persistence is disabled (cache.persist = false)")
	}
	store, err := stagecache.OpenSQLite(ctx, cfg.Cache.Path)
	if err != nil {
		return nil, cacheOpenError(cfg, err)
	}
	return store, nil
}

func openPersistedCache(ctx context.Context, cfg *config.Config) (*stagecache.Cache, func(), error) {
	store, err := openCacheStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cache := newCacheFor(cfg, store)
	if err := cache.Load(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load cache: %w", err)
	}
	return cache, func() { _ = store.Close() }, nil
}

func newCacheFor(cfg *config.Config, store *stagecache.SQLiteStore) *stagecache.Cache {
	return stagecache.New(
		stagecache.WithCapacity(cfg.Cache.Capacity),
		stagecache.WithTTL(cfg.CacheTTL()),
		stagecache.WithPersister(store),
	)
}

func cacheOpenError(cfg *config.Config, err error) error {
	if errors.Is(err, stagecache.ErrLocked) {
		return fmt.Errorf("cache database %s is in use by another stagewatch process", cfg.Cache.Path)
	}
	return fmt.Errorf("open cache: %w", err)
}
