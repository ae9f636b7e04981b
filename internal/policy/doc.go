// Package policy owns reconnection decisions.
//
// Ownership boundary:
// - exponential backoff with a ceiling
//
// - the per-identity connection state machine and its single-flight guard
//
// - the pure Decide function evaluated by the background agent
//
// Nothing here performs I/O; callers feed clock readings and store snapshots in.
package policy
