// Package rpc exposes the broker's agent-facing tool surface (§6.1) over
// the Model Context Protocol, served on both the SSE and Streamable HTTP
// transports. Handlers call internal/broker/{lifecycle,registry,matching,
// poller} directly in-process rather than looping back over HTTP the way
// mcpserver handlers call their own REST API in other services — the
// broker has no separate API process to call out to.
package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/broker/poller"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/common/logger"
)

// Config holds the tool server's listen configuration.
type Config struct {
	Port int
}

// Deps wires the components the tool handlers call into.
type Deps struct {
	Registry  *registry.Registry
	Matcher   *matching.Service
	Lifecycle *lifecycle.Lifecycle
	Poller    *poller.Poller
}

// Server wraps the SSE and Streamable HTTP MCP transports with lifecycle
// management, grounded on mcpserver.Server's dual-transport shape.
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New creates a tool Server.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, log: logger.Default().WithFields(zap.String("component", "rpc"))}
}

// Start brings up both transports on the same port and returns once the
// listener is live.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rpc server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"kandev-broker",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("rpc server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("rpc server error")
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown rpc http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("failed to shutdown sse server")
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("failed to shutdown streamable http server")
		}
	}
	return nil
}
