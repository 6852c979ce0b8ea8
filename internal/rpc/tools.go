package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/broker/internal/broker/errs"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

const defaultWaitTimeout = 290 * time.Second

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register this agent with the broker, or refresh its registered metadata."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Stable agent identifier")),
			mcp.WithString("display_name", mcp.Required(), mcp.Description("Human-readable agent name")),
			mcp.WithString("role", mcp.Description("Agent role, e.g. reviewer, implementer")),
			mcp.WithArray("capabilities", mcp.Description("Capability strings this agent advertises")),
			mcp.WithString("workspace_repo_id", mcp.Description("Workspace repository id this agent is pinned to")),
			mcp.WithString("workspace_branch", mcp.Description("Workspace branch this agent is pinned to")),
		),
		registerAgentHandler(deps, log),
	)

	waitHandler := waitForTaskHandler(deps, log)
	for _, name := range []string{"wait_for_task", "wait_for_prompt"} {
		s.AddTool(
			mcp.NewTool(name,
				mcp.WithDescription("Long-poll for the next task assignment, control signal, or system prompt."),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("The polling agent's id")),
				mcp.WithString("timeout_sec", mcp.Description("Max seconds to block, default 290, capped at 290")),
				mcp.WithArray("capabilities", mcp.Description("Override the agent's registered capabilities for this poll")),
			),
			waitHandler,
		)
	}

	s.AddTool(
		mcp.NewTool("ack_task",
			mcp.WithDescription("Acknowledge a task reservation, moving it to ASSIGNED."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The acknowledging agent's id")),
		),
		ackTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("update_progress",
			mcp.WithDescription("Report progress on an owned task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The owning agent's id")),
			mcp.WithString("phase", mcp.Description("Current phase label")),
			mcp.WithString("percentage", mcp.Description("Completion percentage, 0-100")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Progress message")),
		),
		updateProgressHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("send_response",
			mcp.WithDescription("Report an outcome for an owned task: review-ready, completed, failed, or blocked."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of IN_REVIEW, COMPLETED, FAILED, BLOCKED")),
			mcp.WithString("message", mcp.Description("Result summary")),
			mcp.WithArray("artifacts", mcp.Description("Artifact references produced by the task")),
			mcp.WithString("diff", mcp.Description("Unified diff; required for code/test tasks moving to IN_REVIEW")),
			mcp.WithString("blocked_reason", mcp.Description("Reason the task is blocked")),
		),
		sendResponseHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Delegate a new task from within a running agent."),
			mcp.WithString("source_agent_id", mcp.Required(), mcp.Description("The delegating agent's id")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The delegated task's prompt")),
			mcp.WithString("target_agent_id", mcp.Description("Route directly to this agent")),
			mcp.WithArray("required_capabilities", mcp.Description("Route to an agent advertising these capabilities")),
			mcp.WithString("workspace_id", mcp.Description("Pin the task to this workspace")),
			mcp.WithString("priority", mcp.Description("One of normal, high, critical")),
			mcp.WithArray("dependencies", mcp.Description("Task ids this task depends on")),
		),
		assignTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("block_task",
			mcp.WithDescription("Block a task pending a human answer."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("reason", mcp.Required(), mcp.Description("Why the task is blocked")),
			mcp.WithString("question", mcp.Required(), mcp.Description("The question for the human to answer")),
			mcp.WithString("summary", mcp.Description("Optional short summary of progress so far")),
			mcp.WithString("notes", mcp.Description("Optional additional notes")),
		),
		blockTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("answer_task",
			mcp.WithDescription("Answer a blocked task, returning it to QUEUED."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
			mcp.WithString("answer", mcp.Required(), mcp.Description("The answer to the agent's question")),
		),
		answerTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Fetch a task with its message thread, dependency outputs, and unread comments."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id")),
		),
		getTaskContextHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("broadcast_system_prompt",
			mcp.WithDescription("Queue an out-of-band system prompt for one agent, every agent with a capability, or every agent."),
			mcp.WithString("target_agent_id", mcp.Description("Queue for exactly this agent")),
			mcp.WithString("capability", mcp.Description("Queue for every agent advertising this capability")),
			mcp.WithString("broadcast", mcp.Description("Set to \"true\" to queue for every registered agent")),
			mcp.WithString("prompt_type", mcp.Required(), mcp.Description("Caller-defined prompt category")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The prompt text")),
			mcp.WithString("priority", mcp.Description("One of normal, high, critical")),
		),
		broadcastSystemPromptHandler(deps, log),
	)

	log.Info("registered rpc tools", zap.Int("count", 10))
}

func registerAgentHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		displayName, err := req.RequireString("display_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var wsCtx *v1.WorkspaceContext
		if repoID := req.GetString("workspace_repo_id", ""); repoID != "" {
			wsCtx = &v1.WorkspaceContext{Type: "git", RepoID: repoID, Branch: req.GetString("workspace_branch", "")}
		}

		agent, err := deps.Registry.RegisterAgent(ctx, &v1.RegisterAgentRequest{
			ID:               id,
			DisplayName:      displayName,
			Role:             req.GetString("role", ""),
			Capabilities:     stringArray(req, "capabilities"),
			WorkspaceContext: wsCtx,
		})
		if err != nil {
			log.WithAgentID(id).WithError(err).Warn("register_agent failed")
			return errResult(err), nil
		}
		return jsonResult(agent)
	}
}

func waitForTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		timeout := defaultWaitTimeout
		if raw := req.GetString("timeout_sec", ""); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				timeout = time.Duration(secs) * time.Second
				if timeout > defaultWaitTimeout {
					timeout = defaultWaitTimeout
				}
			}
		}

		// capabilities/workspace come from the agent's registration, not
		// from the caller: wait_for_task's wire schema only takes
		// agentId/timeoutSec per §3.4. A non-empty "capabilities" field
		// above replaces the registered set for this single poll; the
		// workspace always comes from the registration, and an
		// unregistered agent is rejected.
		agent, err := deps.Registry.GetAgent(ctx, agentID)
		if err != nil {
			if err == store.ErrNotFound {
				return errResult(errs.New(errs.KindNotFound, "agent is not registered")), nil
			}
			log.WithAgentID(agentID).WithError(err).Warn("wait_for_task failed to look up registered agent")
			return errResult(errs.Wrap(err)), nil
		}

		capabilities := agent.Capabilities
		if override := stringArray(req, "capabilities"); len(override) > 0 {
			capabilities = override
		}

		result, err := deps.Poller.WaitForTask(ctx, agentID, capabilities, agent.WorkspaceContext, timeout)
		if err != nil {
			log.WithAgentID(agentID).WithError(err).Warn("wait_for_task failed")
			return errResult(err), nil
		}
		return jsonResult(result)
	}
}

func ackTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, unread, err := deps.Lifecycle.Ack(ctx, taskID, agentID)
		if err != nil {
			log.WithTaskID(taskID).WithAgentID(agentID).WithError(err).Warn("ack_task failed")
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"task": task, "unreadComments": unread})
	}
}

func updateProgressHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var phase *string
		if p := req.GetString("phase", ""); p != "" {
			phase = &p
		}
		var percentage *int
		if raw := req.GetString("percentage", ""); raw != "" {
			if pct, err := strconv.Atoi(raw); err == nil {
				percentage = &pct
			}
		}

		task, unread, err := deps.Lifecycle.Progress(ctx, taskID, agentID, phase, percentage, message)
		if err != nil {
			log.WithTaskID(taskID).WithAgentID(agentID).WithError(err).Warn("update_progress failed")
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"task": task, "unreadComments": unread})
	}
}

func sendResponseHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp := v1.TaskResponse{
			Message:       req.GetString("message", ""),
			Artifacts:     stringArray(req, "artifacts"),
			Diff:          req.GetString("diff", ""),
			BlockedReason: req.GetString("blocked_reason", ""),
		}

		task, err := deps.Lifecycle.SendResponse(ctx, taskID, v1.TaskStatus(status), resp)
		if err != nil {
			log.WithTaskID(taskID).WithError(err).Warn("send_response failed")
			return errResult(err), nil
		}
		return jsonResult(task)
	}
}

func assignTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceAgentID, err := req.RequireString("source_agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		routing := v1.Routing{Capabilities: stringArray(req, "required_capabilities")}
		if target := req.GetString("target_agent_id", ""); target != "" {
			routing.AgentID = &target
		}
		if workspaceID := req.GetString("workspace_id", ""); workspaceID != "" {
			routing.WorkspaceID = &workspaceID
		}

		priority := v1.Priority(req.GetString("priority", ""))

		task, err := deps.Lifecycle.Enqueue(ctx, &v1.CreateTaskRequest{
			Prompt:       prompt,
			From:         v1.Originator{Type: v1.OriginatorAgent, ID: sourceAgentID},
			To:           routing,
			Priority:     priority,
			Dependencies: stringArray(req, "dependencies"),
			Context:      map[string]any{"isDelegation": true},
		})
		if err != nil {
			log.WithAgentID(sourceAgentID).WithError(err).Warn("assign_task failed")
			return errResult(err), nil
		}
		return jsonResult(task)
	}
}

func blockTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reason, err := req.RequireString("reason")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if summary := req.GetString("summary", ""); summary != "" {
			question = fmt.Sprintf("%s\n\n%s", summary, question)
		}
		if notes := req.GetString("notes", ""); notes != "" {
			question = fmt.Sprintf("%s\n\nNotes: %s", question, notes)
		}

		task, err := deps.Lifecycle.Block(ctx, taskID, question, reason)
		if err != nil {
			log.WithTaskID(taskID).WithError(err).Warn("block_task failed")
			return errResult(err), nil
		}
		return jsonResult(task)
	}
}

func answerTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := deps.Lifecycle.Answer(ctx, taskID, answer)
		if err != nil {
			log.WithTaskID(taskID).WithError(err).Warn("answer_task failed")
			return errResult(err), nil
		}
		return jsonResult(task)
	}
}

func getTaskContextHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tc, err := deps.Lifecycle.GetContext(ctx, taskID)
		if err != nil {
			log.WithTaskID(taskID).WithError(err).Warn("get_task_context failed")
			return errResult(err), nil
		}
		return jsonResult(tc)
	}
}

func broadcastSystemPromptHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		promptType, err := req.RequireString("prompt_type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		broadcastReq := &v1.BroadcastSystemPromptRequest{
			PromptType: promptType,
			Message:    message,
			Priority:   v1.Priority(req.GetString("priority", "")),
			Broadcast:  req.GetString("broadcast", "") == "true",
		}
		if target := req.GetString("target_agent_id", ""); target != "" {
			broadcastReq.TargetAgentID = &target
		}
		if capability := req.GetString("capability", ""); capability != "" {
			broadcastReq.Capability = &capability
		}

		count, err := deps.Registry.BroadcastSystemPrompt(ctx, broadcastReq)
		if err != nil {
			log.WithError(err).Warn("broadcast_system_prompt failed")
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"queuedCount": count})
	}
}

// stringArray extracts a tool array argument as []string, tolerating an
// absent or non-array value by returning nil.
func stringArray(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", errs.KindOf(err), err.Error()))
}
