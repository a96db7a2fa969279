// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// JobRunTimeout is the maximum time a single queued job may run,
	// including external processes it spawns.
	JobRunTimeout = 10 * time.Minute

	// GitCommandTimeout is the maximum time to wait for a single git
	// invocation, worktree creation included.
	GitCommandTimeout = 2 * time.Minute

	// NotifySendTimeout is the maximum time to wait for an outbound
	// notification delivery.
	NotifySendTimeout = 10 * time.Second
)
