// Package evalapi is the HTTP client for the remote evaluation service.
//
// It covers job creation, status polling, per-stage output retrieval, and the
// job's server-sent event stream. Errors are tagged with the markers from
// internal/services so callers can branch on errors.Is(err, services.ErrNotFound)
// without inspecting status codes.
package evalapi
