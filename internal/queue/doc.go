// Package queue keeps the client-side record of every tracked item: its remote
// identity, status, current stage, overall percent, and final result.
//
// Writes arrive from two independent sources (the push stream and the polling
// fallback) and are merged through Store.Apply. Progress only moves forward
// while an item is running, and the first terminal status sticks, so both
// sources can race without the caller coordinating them.
//
// The store is in-memory; tracked items do not outlive the process.
package queue
