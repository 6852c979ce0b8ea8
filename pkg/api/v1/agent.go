package v1

import "time"

// AgentStatus is derived, never stored directly: PROCESSING when the agent
// owns at least one non-terminal task, WAITING when present in the waiting
// pool, OFFLINE otherwise.
type AgentStatus string

const (
	AgentStatusOffline    AgentStatus = "OFFLINE"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusProcessing AgentStatus = "PROCESSING"
)

// Agent is a registered worker known to the broker.
type Agent struct {
	ID               string            `json:"id"`
	DisplayName      string            `json:"displayName"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []string          `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	Status           AgentStatus       `json:"status"`
	LastSeen         time.Time         `json:"lastSeen"`
	Source           string            `json:"source"`
}

// RegisterAgentRequest registers an agent with the broker.
type RegisterAgentRequest struct {
	ID               string            `json:"id" binding:"required"`
	DisplayName      string            `json:"displayName" binding:"required"`
	Role             string            `json:"role,omitempty"`
	Capabilities     []string          `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	Source           string            `json:"source,omitempty"`
}

// WaitingAgent is a durable row in the scheduler's waiting pool, inserted
// when an agent begins wait_for_task and removed on assignment, timeout,
// disconnect, or eviction.
type WaitingAgent struct {
	AgentID          string            `json:"agentId"`
	Capabilities     []string          `json:"capabilities"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
	EnteredAt        time.Time         `json:"enteredAt"`
}

// PendingAck tracks a reservation awaiting the agent's acknowledgement.
type PendingAck struct {
	TaskID  string    `json:"taskId"`
	AgentID string    `json:"agentId"`
	SentAt  time.Time `json:"sentAt"`
}

// SystemPrompt is a one-shot out-of-band message queued for a specific
// agent by broadcast_system_prompt (§6.1), delivered the next time that
// agent long-polls wait_for_task. A capability- or broadcast-targeted
// request is expanded into one row per currently-registered matching
// agent at creation time, so delivery here is always by concrete AgentID.
type SystemPrompt struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agentId"`
	PromptType string         `json:"promptType"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// BroadcastSystemPromptRequest queues a system prompt for one agent, every
// agent advertising a capability, or every registered agent.
type BroadcastSystemPromptRequest struct {
	TargetAgentID *string        `json:"targetAgentId,omitempty"`
	Capability    *string        `json:"capability,omitempty"`
	Broadcast     bool           `json:"broadcast,omitempty"`
	PromptType    string         `json:"promptType" binding:"required"`
	Message       string         `json:"message" binding:"required"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority,omitempty"`
}
