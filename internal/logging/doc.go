// Package logging assembles structured slog loggers and formatting helpers used
// across stagewatch.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so tracking code can tag log
// lines with job ids, item ids, stages, and correlation ids. NewNop provides a
// discard logger for tests and wiring code that cannot fail.
package logging
