// Package lifecycle implements the task state machine: enqueue, reserve,
// ack, progress, review, and terminal transitions. Every operation is a
// single Store transaction; legality checks and history/event bookkeeping
// live here, not in the Store.
package lifecycle

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/broker/internal/broker/errs"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/capability"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/security"
	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// Subjects published on the event bus for live delivery. Distinct from
// the Store's durable, sequenced event log, which backs catch-up/replay.
const (
	SubjectEvents          = "events"
	subjectAgentWakePrefix = "agent:wake:"
	subjectTaskDonePrefix  = "task:done:"
)

// codeCapabilities are the capability markers that trigger the
// review-diff gate (§4.2's sendResponse contract).
var codeCapabilities = map[string]bool{
	"code_generation": true,
	"code_review":     true,
	"refactoring":     true,
	"testing":         true,
	"debugging":       true,
}

// AgentWakeSubject returns the private per-agent notification subject
// internal/broker/poller subscribes to while long-polling: it carries
// task-reservation and eviction wake signals for that agent.
func AgentWakeSubject(agentID string) string {
	return subjectAgentWakePrefix + agentID
}

// TaskDoneSubject returns the private per-task subject internal/broker/
// poller's waitForCompletion subscribes to, broadcast once on a task's
// terminal transition.
func TaskDoneSubject(taskID string) string {
	return subjectTaskDonePrefix + taskID
}

// TaskPatch is the limited-field patch accepted by Update while a task is
// non-terminal.
type TaskPatch struct {
	WorkspaceID  *string
	Capabilities []string
}

// Lifecycle applies state transitions, enforces their legality, records
// history, and persists — grounded structurally on a facade-over-store-
// plus-eventbus controller shape.
type Lifecycle struct {
	store   store.Store
	bus     bus.EventBus
	scanner security.Scanner
	matcher *matching.Service
	log     *logger.Logger
}

// New creates a Lifecycle. scanner may be nil, in which case
// security.Permissive{} is used.
func New(s store.Store, b bus.EventBus, scanner security.Scanner, matcher *matching.Service) *Lifecycle {
	if scanner == nil {
		scanner = security.Permissive{}
	}
	return &Lifecycle{store: s, bus: b, scanner: scanner, matcher: matcher, log: logger.Default()}
}

// Enqueue validates and inserts a new task, then attempts an immediate
// synchronous reservation against the waiting pool.
func (l *Lifecycle) Enqueue(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errs.New(errs.KindValidationError, "prompt must not be empty")
	}
	for _, c := range req.To.Capabilities {
		if strings.TrimSpace(c) == "" {
			return nil, errs.New(errs.KindValidationError, "capability strings must not be empty")
		}
	}

	verdict, err := l.scanner.Scan(ctx, req.Prompt)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if verdict.Flagged && verdict.Critical {
		return nil, errs.Newf(errs.KindBlocked, "prompt rejected by security scan: %s", verdict.Reason)
	}

	now := time.Now().UTC()
	priority := req.Priority
	if priority == "" {
		priority = v1.PriorityNormal
	}

	capabilities := req.To.Capabilities
	if len(capabilities) == 0 && req.From.Type == v1.OriginatorAgent {
		capabilities = capability.Infer(req.Prompt)
	}

	title := ""
	if req.Title != nil {
		title = *req.Title
	} else {
		title = deriveTitle(req.Prompt)
	}

	task := &v1.Task{
		ID:     uuid.New().String(),
		Prompt: req.Prompt,
		Title:  title,
		From:   req.From,
		To: v1.Routing{
			AgentID:      req.To.AgentID,
			Capabilities: capabilities,
			WorkspaceID:  req.To.WorkspaceID,
		},
		Priority:       priority,
		Status:         v1.TaskStatusQueued,
		Context:        req.Context,
		Dependencies:   req.Dependencies,
		CreatedAt:      now,
		LastProgressAt: now,
		History: []v1.HistoryEntry{
			{Timestamp: now, Status: v1.TaskStatusQueued},
		},
	}

	if err := l.store.CreateTask(ctx, task); err != nil {
		if err == store.ErrDependencyCycle {
			return nil, errs.New(errs.KindValidationError, "dependencies form a cycle")
		}
		return nil, errs.Wrap(err)
	}
	l.publish("task:created", map[string]any{"taskId": task.ID, "status": string(task.Status)})

	agentID, err := l.matcher.ReserveAgentForTask(ctx, task)
	if err != nil {
		l.log.WithTaskID(task.ID).WithError(err).Warn("immediate match lookup failed")
		return task, nil
	}
	if agentID == "" {
		return task, nil
	}
	reserved, err := l.Reserve(ctx, task.ID, agentID)
	if err != nil {
		// Reservation losing the race (or preconditions drifting) is not
		// an enqueue failure; the task stays QUEUED for the scheduler.
		l.log.WithTaskID(task.ID).WithAgentID(agentID).WithError(err).Debug("immediate reservation did not take")
		return task, nil
	}
	return reserved, nil
}

// Reserve atomically assigns task to agentID, moving it to PENDING_ACK (or
// APPROVED_PENDING_ACK for a task returning from review).
func (l *Lifecycle) Reserve(ctx context.Context, taskID, agentID string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}

	var next v1.TaskStatus
	switch task.Status {
	case v1.TaskStatusQueued:
		next = v1.TaskStatusPendingAck
	case v1.TaskStatusApprovedQueued:
		next = v1.TaskStatusApprovedPendingAck
	default:
		return nil, errs.Newf(errs.KindStateConflict, "task %s is not reservable from status %s", taskID, task.Status)
	}

	if !dependenciesSatisfied(ctx, l.store, task) {
		return nil, errs.New(errs.KindStateConflict, "task has unsatisfied dependencies")
	}

	now := time.Now().UTC()
	id := agentID
	task.Status = next
	task.To.AgentID = &id

	seq, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: next, AgentID: &id},
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.CreatePendingAck(ctx, &v1.PendingAck{TaskID: taskID, AgentID: agentID, SentAt: now}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.LeaveWaiting(ctx, agentID); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(next), "seq": seq})
	l.publishTo(subjectAgentWakePrefix+agentID, "task:reserved", map[string]any{"taskId": taskID})
	return task, nil
}

// Ack acknowledges a reservation, transitioning PENDING_ACK→ASSIGNED (or
// APPROVED_PENDING_ACK→ASSIGNED for a post-review finalization pass), and
// returns any unread user comments.
func (l *Lifecycle) Ack(ctx context.Context, taskID, agentID string) (*v1.Task, []*v1.TaskMessage, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, notFoundOrWrap(err)
	}
	if (task.Status != v1.TaskStatusPendingAck && task.Status != v1.TaskStatusApprovedPendingAck) ||
		task.To.AgentID == nil || *task.To.AgentID != agentID {
		return nil, nil, errs.Newf(errs.KindStateConflict, "task %s is not pending ack for agent %s", taskID, agentID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusAssigned

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusAssigned, AgentID: &agentID},
	}); err != nil {
		return nil, nil, errs.Wrap(err)
	}
	if err := l.store.DeletePendingAck(ctx, taskID); err != nil {
		return nil, nil, errs.Wrap(err)
	}

	unread, err := l.takeUnreadComments(ctx, taskID)
	if err != nil {
		return nil, nil, errs.Wrap(err)
	}
	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, unread, nil
}

// Progress appends a progress message, touches lastProgressAt, and
// returns any unread user comments.
func (l *Lifecycle) Progress(ctx context.Context, taskID, agentID string, phase *string, percentage *int, message string) (*v1.Task, []*v1.TaskMessage, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, notFoundOrWrap(err)
	}
	if task.Status.IsTerminal() || task.To.AgentID == nil || *task.To.AgentID != agentID {
		return nil, nil, errs.Newf(errs.KindStateConflict, "task %s is not owned by agent %s", taskID, agentID)
	}

	now := time.Now().UTC()
	task.LastProgressAt = now

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{Task: task}); err != nil {
		return nil, nil, errs.Wrap(err)
	}
	if err := l.appendProgressMessage(ctx, taskID, phase, percentage, message); err != nil {
		return nil, nil, errs.Wrap(err)
	}

	unread, err := l.takeUnreadComments(ctx, taskID)
	if err != nil {
		return nil, nil, errs.Wrap(err)
	}
	l.publish("task:progress", map[string]any{"taskId": taskID, "message": message})
	return task, unread, nil
}

// SendResponse records the agent's reported outcome and transitions the
// task accordingly, enforcing the review-diff gate.
func (l *Lifecycle) SendResponse(ctx context.Context, taskID string, status v1.TaskStatus, resp v1.TaskResponse) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}

	switch task.Status {
	case v1.TaskStatusAssigned, v1.TaskStatusInProgress, v1.TaskStatusInReview,
		v1.TaskStatusApprovedQueued, v1.TaskStatusApprovedPendingAck:
	default:
		return nil, errs.Newf(errs.KindNotAcked, "task %s is not in a response-accepting status (%s)", taskID, task.Status)
	}

	if status == v1.TaskStatusInReview && hasCodeCapability(task.To.Capabilities) {
		if len(strings.TrimSpace(resp.Diff)) < 20 {
			return nil, errs.New(errs.KindMissingDiff, "a non-trivial diff is required to move a code/test task into review")
		}
	}

	now := time.Now().UTC()
	task.Status = status
	task.Response = &resp
	if status.IsTerminal() {
		task.CompletedAt = &now
	}

	agentID := task.To.AgentID
	seq, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: status, AgentID: agentID, Message: &resp.Message},
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(status), "seq": seq})
	if status.IsTerminal() {
		l.publishTo(subjectTaskDonePrefix+taskID, "task:done", map[string]any{"taskId": taskID, "status": string(status)})
	}
	return task, nil
}

// Approve moves a reviewed task to APPROVED_QUEUED; the Scheduler will
// reserve it back to the same agent for finalization.
func (l *Lifecycle) Approve(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status != v1.TaskStatusInReview && task.Status != v1.TaskStatusPendingRes {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is not under review", taskID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusApprovedQueued

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusApprovedQueued},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Reject returns a reviewed task to QUEUED, clears its agent, and appends
// a review_feedback message.
func (l *Lifecycle) Reject(ctx context.Context, taskID, feedback string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status != v1.TaskStatusInReview && task.Status != v1.TaskStatusPendingRes {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is not under review", taskID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusQueued
	task.To.AgentID = nil

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusQueued},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.AppendMessage(ctx, &v1.TaskMessage{
		ID: uuid.New().String(), TaskID: taskID, Timestamp: now,
		Role: v1.RoleSystem, Content: feedback, MessageType: v1.MessageTypeReviewFeedback,
	}); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Block moves any non-terminal task to BLOCKED, appending a block_event
// system message carrying the agent's question.
func (l *Lifecycle) Block(ctx context.Context, taskID, question, reason string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status.IsTerminal() {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is already terminal", taskID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusBlocked
	task.Response = &v1.TaskResponse{BlockedReason: reason}

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusBlocked, Message: &question},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.AppendMessage(ctx, &v1.TaskMessage{
		ID: uuid.New().String(), TaskID: taskID, Timestamp: now,
		Role: v1.RoleSystem, Content: question, MessageType: v1.MessageTypeBlockEvent,
	}); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Answer resolves a BLOCKED task back to QUEUED, appending the human's
// answer as a user message.
func (l *Lifecycle) Answer(ctx context.Context, taskID, answerText string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status != v1.TaskStatusBlocked {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is not blocked", taskID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusQueued

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusQueued},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.AppendMessage(ctx, &v1.TaskMessage{
		ID: uuid.New().String(), TaskID: taskID, Timestamp: now,
		Role: v1.RoleUser, Content: answerText, MessageType: v1.MessageTypeComment,
	}); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Cancel soft-deletes any non-terminal task and clears its pending ack.
func (l *Lifecycle) Cancel(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status.IsTerminal() {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is already terminal", taskID)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusCancelled
	task.CompletedAt = &now

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusCancelled},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.DeletePendingAck(ctx, taskID); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	l.publishTo(subjectTaskDonePrefix+taskID, "task:done", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Retry resets a failed/cancelled/stuck task back to QUEUED, clearing its
// agent, response, and completedAt.
func (l *Lifecycle) Retry(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	switch task.Status {
	case v1.TaskStatusAssigned, v1.TaskStatusInProgress, v1.TaskStatusPendingAck,
		v1.TaskStatusCancelled, v1.TaskStatusFailed:
	default:
		return nil, errs.Newf(errs.KindStateConflict, "task %s cannot be retried from status %s", taskID, task.Status)
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusQueued
	task.To.AgentID = nil
	task.Response = nil
	task.CompletedAt = nil

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusQueued},
	}); err != nil {
		return nil, errs.Wrap(err)
	}
	if err := l.store.DeletePendingAck(ctx, taskID); err != nil {
		return nil, errs.Wrap(err)
	}

	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

// Recover runs once at broker startup, before the scheduler starts: every
// PENDING_ACK/APPROVED_PENDING_ACK task is reset to QUEUED/APPROVED_QUEUED
// (no agent has acked, so none can have made progress) and the waiting set
// is cleared, since every agent must re-establish its poll session against
// the new process (§5 "Shared-resource policy"). Same transition shape as
// the scheduler's ack-reaper, run unconditionally here rather than only
// past T_ACK, since a restart invalidates every in-flight reservation
// regardless of its age.
func (l *Lifecycle) Recover(ctx context.Context) error {
	acks, err := l.store.ListPendingAcksOlderThan(ctx, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		return errs.Wrap(err)
	}
	for _, ack := range acks {
		if err := l.recoverPendingAck(ctx, ack); err != nil {
			l.log.WithTaskID(ack.TaskID).WithError(err).Warn("restart recovery: failed to reset task")
		}
	}

	waiting, err := l.store.ListWaiting(ctx)
	if err != nil {
		return errs.Wrap(err)
	}
	for _, w := range waiting {
		if err := l.store.LeaveWaiting(ctx, w.AgentID); err != nil {
			l.log.WithAgentID(w.AgentID).WithError(err).Warn("restart recovery: failed to clear waiting agent")
		}
	}
	return nil
}

func (l *Lifecycle) recoverPendingAck(ctx context.Context, ack *v1.PendingAck) error {
	task, err := l.store.GetTask(ctx, ack.TaskID)
	if err != nil {
		if err == store.ErrNotFound {
			return l.store.DeletePendingAck(ctx, ack.TaskID)
		}
		return err
	}

	var next v1.TaskStatus
	switch task.Status {
	case v1.TaskStatusPendingAck:
		next = v1.TaskStatusQueued
	case v1.TaskStatusApprovedPendingAck:
		next = v1.TaskStatusApprovedQueued
	default:
		return l.store.DeletePendingAck(ctx, ack.TaskID)
	}

	if err := l.store.DeletePendingAck(ctx, ack.TaskID); err != nil {
		return err
	}

	task.Status = next
	task.To.AgentID = nil
	msg := "restart-recovery"
	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: time.Now().UTC(), Status: next, Message: &msg},
	}); err != nil {
		return err
	}
	l.publish("task:updated", map[string]any{"taskId": ack.TaskID, "status": string(next)})
	return nil
}

// TaskContext bundles a task with the supporting material an agent needs
// to start or resume work on it: the full message thread, the response
// payloads of completed dependencies, and any comments it hasn't seen yet.
type TaskContext struct {
	Task                *v1.Task
	Messages            []*v1.TaskMessage
	DependencyResponses map[string]*v1.TaskResponse
	UnreadComments      []*v1.TaskMessage
}

// GetContext assembles a TaskContext for taskID (the `get_task_context`
// operation), marking any unread user comments as read in the process —
// the same one-way read transition `Ack`/`Progress` apply.
func (l *Lifecycle) GetContext(ctx context.Context, taskID string) (*TaskContext, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}

	messages, err := l.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	deps := make(map[string]*v1.TaskResponse, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		dep, err := l.store.GetTask(ctx, depID)
		if err != nil {
			continue
		}
		deps[depID] = dep.Response
	}

	unread, err := l.takeUnreadComments(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	return &TaskContext{Task: task, Messages: messages, DependencyResponses: deps, UnreadComments: unread}, nil
}

// Update applies a limited-field patch (workspace context, capabilities)
// while the task is non-terminal.
func (l *Lifecycle) Update(ctx context.Context, taskID string, patch TaskPatch) (*v1.Task, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFoundOrWrap(err)
	}
	if task.Status.IsTerminal() {
		return nil, errs.Newf(errs.KindStateConflict, "task %s is terminal", taskID)
	}

	if patch.WorkspaceID != nil {
		task.To.WorkspaceID = patch.WorkspaceID
	}
	if patch.Capabilities != nil {
		task.To.Capabilities = patch.Capabilities
	}

	if _, err := l.store.UpdateTask(ctx, store.TaskMutation{Task: task}); err != nil {
		return nil, errs.Wrap(err)
	}
	l.publish("task:updated", map[string]any{"taskId": taskID, "status": string(task.Status)})
	return task, nil
}

func (l *Lifecycle) appendProgressMessage(ctx context.Context, taskID string, phase *string, percentage *int, message string) error {
	metadata := map[string]any{}
	if phase != nil {
		metadata["phase"] = *phase
	}
	if percentage != nil {
		metadata["percentage"] = *percentage
	}
	return l.store.AppendMessage(ctx, &v1.TaskMessage{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Timestamp:   time.Now().UTC(),
		Role:        v1.RoleAgent,
		Content:     message,
		MessageType: v1.MessageTypeProgress,
		Metadata:    metadata,
	})
}

// takeUnreadComments returns unread user comments on taskID and marks the
// thread read, per §3.2's one-way isRead transition on agent read.
func (l *Lifecycle) takeUnreadComments(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	messages, err := l.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var unread []*v1.TaskMessage
	for _, m := range messages {
		if m.Role == v1.RoleUser && !m.IsRead {
			unread = append(unread, m)
		}
	}
	if err := l.store.MarkMessagesRead(ctx, taskID); err != nil {
		return nil, err
	}
	return unread, nil
}

func (l *Lifecycle) publish(kind string, payload map[string]any) {
	l.publishTo(SubjectEvents, kind, payload)
}

func (l *Lifecycle) publishTo(subject, kind string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	event := bus.NewEvent(kind, "lifecycle", payload)
	if err := l.bus.Publish(context.Background(), subject, event); err != nil {
		l.log.Warn("failed to publish lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}

func dependenciesSatisfied(ctx context.Context, s store.Store, task *v1.Task) bool {
	for _, depID := range task.Dependencies {
		dep, err := s.GetTask(ctx, depID)
		if err != nil || dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func hasCodeCapability(capabilities []string) bool {
	for _, c := range capabilities {
		if codeCapabilities[c] {
			return true
		}
	}
	return false
}

func deriveTitle(prompt string) string {
	line := strings.TrimRightFunc(strings.SplitN(strings.TrimSpace(prompt), "\n", 2)[0], unicode.IsSpace)
	if runes := []rune(line); len(runes) > 80 {
		return strings.TrimRightFunc(string(runes[:80]), unicode.IsSpace)
	}
	return line
}

func notFoundOrWrap(err error) error {
	if err == store.ErrNotFound {
		return errs.New(errs.KindNotFound, "task not found")
	}
	return errs.Wrap(err)
}
