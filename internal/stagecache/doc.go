// Package stagecache stores per-stage outputs of evaluation items and answers
// stage-output reads.
//
// Cache is a bounded map with a 24h freshness window and global oldest-first
// eviction on insert, optionally mirrored to SQLite so outputs survive
// restarts. Resolver layers the read path on top: a fresh cache entry wins,
// otherwise the output is fetched from the service, otherwise it is derived
// from the item's final result, otherwise it is reported unavailable. Fetches
// are deduplicated per key and pass through a circuit breaker so an outage
// degrades to derivation without hammering the service.
package stagecache
