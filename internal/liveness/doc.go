// Package liveness owns the state shared by the foreground and background actors.
//
// Ownership boundary:
// - session identity, liveness record, cached credential
//
// - the byte-oriented key-value contract and its backends
//
// Every value is written as a whole document (last writer wins). No field-level
// merge and no cross-actor lock exist; readers must tolerate stale records.
package liveness
