package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/broker/internal/broker/errs"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

func (h *handler) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From.Type == "" {
		req.From.Type = v1.OriginatorHuman
	}

	task, err := h.deps.Lifecycle.Enqueue(c.Request.Context(), &req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *handler) listTasks(c *gin.Context) {
	tasks, err := h.deps.Store.ListAllTasks(c.Request.Context())
	if err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}

	status := v1.TaskStatus(c.Query("status"))
	activeOnly := c.Query("active") == "true"
	query := c.Query("q")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	filtered := make([]*v1.Task, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		if status == "" && t.Status == v1.TaskStatusCancelled {
			continue
		}
		if activeOnly && t.Status.IsTerminal() {
			continue
		}
		if query != "" && !taskMatchesQuery(t, query) {
			continue
		}
		filtered = append(filtered, t)
	}

	total := len(filtered)
	if offset > 0 {
		if offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[offset:]
		}
	}
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"tasks": filtered, "total": total})
}

func taskMatchesQuery(t *v1.Task, query string) bool {
	return containsFold(t.Prompt, query) || containsFold(t.Title, query)
}

func (h *handler) getTask(c *gin.Context) {
	tc, err := h.deps.Lifecycle.GetContext(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

func (h *handler) approveTask(c *gin.Context) {
	task, err := h.deps.Lifecycle.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) rejectTask(c *gin.Context) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	_ = c.ShouldBindJSON(&body)

	task, err := h.deps.Lifecycle.Reject(c.Request.Context(), c.Param("id"), body.Feedback)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) cancelTask(c *gin.Context) {
	task, err := h.deps.Lifecycle.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) retryTask(c *gin.Context) {
	task, err := h.deps.Lifecycle.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) unblockTask(c *gin.Context) {
	var req v1.AnswerTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.deps.Lifecycle.Answer(c.Request.Context(), c.Param("id"), req.Answer)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) postComment(c *gin.Context) {
	var req v1.CreateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := req.Role
	if role == "" {
		role = v1.RoleUser
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = v1.MessageTypeComment
	}

	taskID := c.Param("id")
	if _, err := h.deps.Store.GetTask(c.Request.Context(), taskID); err != nil {
		writeError(c, h.log, errs.New(errs.KindNotFound, "task not found"))
		return
	}

	msg := &v1.TaskMessage{
		ID:          newID(),
		TaskID:      taskID,
		Timestamp:   now(),
		Role:        role,
		Content:     req.Content,
		MessageType: messageType,
		ReplyTo:     req.ReplyTo,
		Images:      req.Images,
	}
	if err := h.deps.Store.AppendMessage(c.Request.Context(), msg); err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handler) listAgents(c *gin.Context) {
	agents, err := h.deps.Registry.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (h *handler) evictAgent(c *gin.Context) {
	if err := h.deps.Registry.Evict(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) getStats(c *gin.Context) {
	agents, err := h.deps.Registry.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}
	tasks, err := h.deps.Store.ListAllTasks(c.Request.Context())
	if err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}

	byStatus := make(map[v1.TaskStatus]int)
	for _, t := range tasks {
		byStatus[t.Status]++
	}

	stats := gin.H{
		"agentCount":    len(agents),
		"taskCount":     len(tasks),
		"tasksByStatus": byStatus,
	}
	if h.deps.Scheduler != nil {
		stats["scheduler"] = h.deps.Scheduler.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) listEvents(c *gin.Context) {
	sinceSeq := int64(0)
	if raw := c.Query("sinceSeq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceSeq = n
		}
	}
	events, err := h.deps.Store.ListEventsSince(c.Request.Context(), sinceSeq)
	if err != nil {
		writeError(c, h.log, errs.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
