package stream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/store"
)

const (
	secretHeader     = "X-Admin-Secret"
	secretQueryParam = "secret"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps are the components the streaming handler reads from to build a
// sync:full snapshot and to register new clients with the hub.
type Deps struct {
	Store    store.Store
	Registry *registry.Registry
	Hub      *Hub
}

// Handler upgrades GET /events/stream into a websocket stream per §6.3.
type Handler struct {
	deps   Deps
	secret string
	log    *logger.Logger
}

// NewHandler builds a Handler guarded by the same shared secret as the
// administrative surface (§6.2 groups /events under the admin-authenticated
// routes).
func NewHandler(deps Deps, secret string, log *logger.Logger) *Handler {
	return &Handler{deps: deps, secret: secret, log: log.WithFields(zap.String("component", "stream_handler"))}
}

// SetupRoutes registers the streaming endpoint on router. Mounted at
// /events/stream rather than /events itself: internal/admin already owns
// GET /events as a bounded JSON catch-up fetch (the non-streaming half of
// §6.2's "GET /events?sinceSeq= (streaming)" bullet), and the two are
// different transports on the same gin engine, so they can't share a
// literal path.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	router.GET("/events/stream", h.stream)
}

func (h *Handler) authorized(c *gin.Context) bool {
	presented := c.GetHeader(secretHeader)
	if presented == "" {
		presented = c.Query(secretQueryParam)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) == 1
}

func (h *Handler) stream(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing admin secret"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade stream connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.deps.Hub, h.log)
	h.deps.Hub.Register(client)

	snapshot, err := h.buildSnapshot(c.Request.Context())
	if err != nil {
		h.log.Warn("failed to build sync:full snapshot", zap.Error(err))
	} else if frame, err := marshalFrame(snapshot); err == nil {
		client.Send(frame)
	}

	go client.WritePump()
	client.ReadPump(h.onResync)
}

// onResync answers a client's request:sync by re-sending a fresh sync:full
// frame directly to that client (§6.3).
func (h *Handler) onResync(c *Client) {
	snapshot, err := h.buildSnapshot(context.Background())
	if err != nil {
		h.log.Warn("failed to rebuild sync:full snapshot", zap.Error(err))
		return
	}
	if frame, err := marshalFrame(snapshot); err == nil {
		c.Send(frame)
	}
}

func (h *Handler) buildSnapshot(ctx context.Context) (snapshotFrame, error) {
	tasks, err := h.deps.Store.ListAllTasks(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	agents, err := h.deps.Registry.ListAgents(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	seq, err := h.deps.Store.LatestSeq(ctx)
	if err != nil {
		return snapshotFrame{}, err
	}
	return snapshotFrame{Type: frameSyncFull, Tasks: tasks, Agents: agents, Seq: seq}, nil
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
