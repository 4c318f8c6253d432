// Package tracker is the entry point for callers that follow evaluation
// items. It wires the identity registry, local queue store, event stream
// manager, polling fallback and stage output resolver together and exposes
// the small surface the CLI uses: register, submit, track, read, and forget.
//
// Only identity conflicts and job creation failures are returned as errors.
// Stream and fetch problems are logged and recovered internally.
package tracker
