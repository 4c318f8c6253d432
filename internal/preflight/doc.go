// Package preflight provides readiness checks for the evaluation service
// and the local paths that stagewatch depends on.
//
// The CLI "stagewatch doctor" command runs RunAll and prints each result.
// Individual checks are exported so other commands can reuse them.
package preflight
