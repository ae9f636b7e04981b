// Package tools provides host helpers shared by the runtime adapters.
//
// Ownership boundary:
// - command execution helpers
//
// - long-lived helper processes (sleep inhibitors, notification waits)
package tools
