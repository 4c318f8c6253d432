// Package main hosts the stagewatch CLI entrypoint and command graph.
//
// The Cobra-based command tree submits media to the evaluation service,
// follows jobs until every item settles, inspects stage outputs, and
// maintains the local stage output cache. It centralizes configuration
// resolution and logging setup so subcommands only deal with presentation.
//
// Keep this package lean: tracking, caching and derivation live in the
// internal packages; commands here only wire them to the terminal.
package main
