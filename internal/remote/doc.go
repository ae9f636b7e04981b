// Package remote holds the clients for the token and heartbeat endpoints.
//
// Ownership boundary:
// - HTTP transport construction
//
// - credential fetching and expiry derivation
//
// - heartbeat snapshots and their server-side reconnect hints
package remote
