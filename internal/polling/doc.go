// Package polling refreshes job status on a fixed interval and writes the
// reported item states into the local queue store. It is the backstop for
// the event stream and the path that observes completion when the stream is
// down.
package polling
