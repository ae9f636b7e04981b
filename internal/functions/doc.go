// Package functions serves the remote endpoints both actors consume:
// credential issuing, heartbeat evaluation and call transfer.
package functions
