// Package stream keeps one server-sent event connection per job and feeds
// its events into the local queue store.
//
// Connections are reference counted through Handles. Reconnects follow the
// pure Transition state machine so backoff can be tested without timers.
// Every event passes through a single bounded queue drained by one consumer
// goroutine, which resolves item ids through the identity registry and
// normalizes stage progress before writing to the store.
package stream
