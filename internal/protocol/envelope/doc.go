// Package envelope owns the typed messages exchanged by the foreground and
// background actors.
//
// Ownership boundary:
// - envelope types and per-type validation
//
// - newline-delimited JSON wire helpers
//
// - the keepalive outbox that matches replies by correlation id
//
// Envelopes are never acknowledged at this layer. Handlers must accept loss,
// duplicates and reordering.
package envelope
