// Package background is the agent that outlives the foreground. It wakes on
// a ticker, on store changes and on channel messages, re-checks liveness
// and escalates to the user when no foreground can heal the session.
package background
