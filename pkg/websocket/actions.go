package websocket

// Action constants for the generic WebSocket envelope in this package.
// internal/stream does not use them: its frames carry the types
// "sync:full" and "event", and its only client action is "request:sync".
const (
	// Health
	ActionHealthCheck = "health.check"

	// Client -> server
	ActionStreamSubscribe   = "stream.subscribe"
	ActionStreamUnsubscribe = "stream.unsubscribe"

	// Server -> client notifications, one per broker event kind.
	ActionSyncFull      = "sync.full"
	ActionTaskCreated   = "task.created"
	ActionTaskUpdated   = "task.updated"
	ActionTaskDeleted   = "task.deleted"
	ActionAgentStatus   = "agent.status"
	ActionAgentEvicted  = "agent.evicted"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
