// Package admin implements the broker's administrative HTTP surface
// (§6.2): task CRUD and transitions, agent listing and eviction,
// reconciliation stats, and the event replay/catch-up feed. Grounded on
// internal/orchestrator/api/{router.go,handlers.go} plus
// internal/task/handlers/* for the gin.RouterGroup-per-resource and
// JSON-error-body conventions.
package admin

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/broker/scheduler"
	"github.com/kandev/broker/internal/common/httpmw"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/store"
)

// Deps wires the components the administrative handlers call into.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	Scheduler *scheduler.Scheduler
}

type handler struct {
	deps Deps
	log  *logger.Logger
}

// SetupRoutes resolves the shared admin secret against deps.Store and
// registers every §6.2 route on router, guarded by authMiddleware. It
// returns the resolved secret so a caller mounting other authenticated
// surfaces (internal/stream's websocket) on the same store can reuse it
// without knowing the settings key admin persists it under.
func SetupRoutes(ctx context.Context, router *gin.RouterGroup, deps Deps, configuredSecret string, log *logger.Logger) (string, error) {
	secret, err := resolveSecret(ctx, deps.Store, configuredSecret)
	if err != nil {
		return "", err
	}

	h := &handler{deps: deps, log: log}

	router.Use(httpmw.RequestLogger(log, "admin"))
	router.Use(authMiddleware(secret))

	router.POST("/tasks", h.createTask)
	router.GET("/tasks", h.listTasks)
	router.GET("/tasks/:id", h.getTask)
	router.POST("/tasks/:id/approve", h.approveTask)
	router.POST("/tasks/:id/reject", h.rejectTask)
	router.POST("/tasks/:id/cancel", h.cancelTask)
	router.POST("/tasks/:id/retry", h.retryTask)
	router.POST("/tasks/:id/unblock", h.unblockTask)
	router.POST("/tasks/:id/comments", h.postComment)

	router.GET("/agents", h.listAgents)
	router.POST("/agents/:id/evict", h.evictAgent)

	router.GET("/stats", h.getStats)
	router.GET("/events", h.listEvents)

	return secret, nil
}
