package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"stagewatch/internal/services"
	"stagewatch/internal/services/evalapi"
	"stagewatch/internal/stagecache"
)

// CheckService verifies that the evaluation service answers its health
// endpoint. It uses a 5-second timeout and a single attempt.
func CheckService(ctx context.Context, baseURL, token string) Result {
	const name = "Evaluation service"

	base := strings.TrimSpace(baseURL)
	if base == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	client, err := evalapi.New(base, evalapi.WithToken(token), evalapi.WithTimeout(5*time.Second))
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeServiceError(err)}
	}
	detail := "Reachable"
	if health.Version != "" {
		detail = fmt.Sprintf("Reachable (version %s)", health.Version)
	}
	if health.Status != "" && !strings.EqualFold(health.Status, "ok") {
		return Result{Name: name, Detail: fmt.Sprintf("reports status %q", health.Status)}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckCacheDatabase opens the stage output database and reports whether it
// is usable by this process.
func CheckCacheDatabase(ctx context.Context, path string) Result {
	const name = "Stage output cache"

	store, err := stagecache.OpenSQLite(ctx, path)
	switch {
	case errors.Is(err, stagecache.ErrLocked):
		return Result{Name: name, Detail: fmt.Sprintf("%s (in use by another process; outputs will be cached in memory)", path)}
	case errors.Is(err, stagecache.ErrSchemaMismatch):
		return Result{Name: name, Detail: fmt.Sprintf("%s (schema mismatch; run `stagewatch cache clear --reset`)", path)}
	case err != nil:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	defer store.Close()

	entries, err := store.LoadAll(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d entries)", path, len(entries))}
}

// summarizeServiceError produces a human-readable summary for health check failures.
func summarizeServiceError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (service unreachable)"
	}
	var statusErr *evalapi.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case 401, 403:
			return "auth failed (check service.api_token)"
		}
		return fmt.Sprintf("health check failed (%d)", statusErr.Code)
	}
	if errors.Is(err, services.ErrUnavailable) {
		return "service unreachable"
	}
	return err.Error()
}
