package preflight

import (
	"context"

	"stagewatch/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	if cfg.Cache.Persist {
		results = append(results, CheckCacheDatabase(ctx, cfg.Cache.Path))
	}

	results = append(results, CheckService(ctx, cfg.Service.BaseURL, cfg.Service.APIToken))
	return results
}
