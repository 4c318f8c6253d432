// Package stage holds the evaluation pipeline's stage table and the progress
// normalizer that turns per-stage fractions into one overall percentage.
//
// Stage ids are opaque strings issued by the service; the table is the only
// place that knows their order. Normalization is pure and safe for concurrent
// use.
package stage
