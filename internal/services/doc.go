// Package services defines shared utilities consumed by the tracking core and
// the evaluation service client.
//
// Key responsibilities:
//   - Context helpers that stamp job ids, item ids, stage ids, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is regardless of which component produced them.
package services
