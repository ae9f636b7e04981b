// Package foreground owns the live telephony session for one identity.
//
// Ownership boundary:
// - session handle lifecycle and reconnect scheduling
//
// - sleep inhibitor acquisition across visibility changes
//
// - liveness pulses and keepalives towards the background agent
//
// The Manager is the only writer of the session handle. Everything else it
// shares goes through the liveness store or the channel.
package foreground
