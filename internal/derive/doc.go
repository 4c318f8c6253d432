// Package derive reconstructs per-stage outputs from an item's final result
// when the service cannot serve them directly. Each stage id maps to a fixed
// projection of the result's evidence; unknown stages get a generic empty
// shape so callers never need a nil check.
package derive
