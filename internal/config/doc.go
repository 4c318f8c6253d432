// Package config loads, normalizes, and validates stagewatch configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the STAGEWATCH_API_TOKEN
// environment fallback. Durations are stored as integers in the file and
// exposed through typed accessors such as PollInterval and CacheTTL.
package config
