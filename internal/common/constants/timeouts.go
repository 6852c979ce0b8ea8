// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts governing the task lifecycle state machine.
const (
	// AckTimeout is the maximum time an agent has to acknowledge a task
	// assignment before the task is returned to the queue.
	AckTimeout = 30 * time.Second

	// HeartbeatInterval is how often a working agent is expected to report
	// progress to be considered alive.
	HeartbeatInterval = 60 * time.Second

	// HeartbeatTimeout is the maximum silence from an in-progress agent
	// before its task is considered stalled and marked FAILED.
	HeartbeatTimeout = 5 * time.Minute

	// StaleWaitTimeout is how long a waiting agent may go without a
	// heartbeat before it is removed from the waiting set (twice the
	// 290s long-poll timeout).
	StaleWaitTimeout = 2 * 290 * time.Second

	// PendingResponseTimeout is the maximum time a task may sit in
	// PENDING_RES waiting for a user response before it is flagged stale.
	PendingResponseTimeout = 24 * time.Hour
)
