// Package events provides event types and subject helpers for the broker's
// event stream.
package events

// Event kind names. internal/broker/lifecycle and internal/broker/registry
// carry the kind in bus.Event.Type, not in the event's data.
const (
	KindTaskCreated = "task:created"
	KindTaskUpdated = "task:updated"
	KindTaskDeleted = "task:deleted"
	KindAgentStatus = "agent:status"
	KindSyncFull    = "sync:full"
)

// Task- and agent-scoped subject names. No broker package publishes or
// subscribes on them: lifecycle publishes on lifecycle.SubjectEvents and
// registry on registry.StatusSubject.
const (
	SubjectTasks  = "broker.tasks"
	SubjectAgents = "broker.agents"
)

// BuildTaskSubject returns the subject for events about a specific task.
func BuildTaskSubject(taskID string) string {
	return SubjectTasks + "." + taskID
}

// BuildTaskWildcardSubject returns the subscription pattern for all task events.
func BuildTaskWildcardSubject() string {
	return SubjectTasks + ".*"
}

// BuildAgentSubject returns the subject for events about a specific agent.
func BuildAgentSubject(agentID string) string {
	return SubjectAgents + "." + agentID
}

// BuildAgentWildcardSubject returns the subscription pattern for all agent events.
func BuildAgentWildcardSubject() string {
	return SubjectAgents + ".*"
}
