// Package identity maps client-side item handles to the (job, item) pairs the
// evaluation service issues, and back. The mapping is a strict bijection so an
// inbound event can always be attributed to exactly one local item.
package identity
