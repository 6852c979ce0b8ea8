// Package main is the entry point for the broker process: it wires
// configuration, storage, the broker state machine, and the three
// external interfaces (§6) into one running service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/broker/internal/admin"
	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/broker/poller"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/broker/scheduler"
	"github.com/kandev/broker/internal/common/config"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/persistence"
	"github.com/kandev/broker/internal/rpc"
	"github.com/kandev/broker/internal/store"
	"github.com/kandev/broker/internal/store/sqlite"
	"github.com/kandev/broker/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// persistence.Provide owns driver selection and connectivity health
	// checking (KANDEV_DB_DRIVER/KANDEV_DB_PATH); the broker's Store itself
	// is only implemented for sqlite (see DESIGN.md), so a configured
	// postgres driver passes this connectivity check but is then rejected
	// by newStore below.
	healthConn, closeHealthConn, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer closeHealthConn()
	if err := healthConn.PingContext(ctx); err != nil {
		log.Fatal("database ping failed", zap.Error(err))
	}

	s, err := newStore(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer s.Close()
	log.Info("store initialized", zap.String("driver", cfg.Database.Driver))

	provided, closeEventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeEventBus()
	eventBus := provided.Bus

	matcher := matching.New(s)
	reg := registry.New(s, eventBus)
	lc := lifecycle.New(s, eventBus, nil, matcher)
	poll := poller.New(s, reg, matcher, lc, eventBus)

	if err := lc.Recover(ctx); err != nil {
		log.Fatal("restart recovery failed", zap.Error(err))
	}
	log.Info("restart recovery complete")

	schedCfg := scheduler.Config{
		ProcessInterval:  cfg.Scheduler.ProcessInterval(),
		AckTimeout:       cfg.Scheduler.AckTimeout(),
		HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout(),
		StaleWaitTimeout: cfg.Scheduler.StaleWaitTimeout(),
	}
	sched := scheduler.New(s, matcher, lc, reg, eventBus, schedCfg)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	rpcServer := rpc.New(rpc.Config{Port: cfg.Server.Port + 1}, rpc.Deps{
		Registry: reg, Matcher: matcher, Lifecycle: lc, Poller: poll,
	})
	if err := rpcServer.Start(ctx); err != nil {
		log.Fatal("failed to start rpc server", zap.Error(err))
	}

	httpServer, err := newHTTPServer(ctx, cfg, s, reg, lc, sched, eventBus, log)
	if err != nil {
		log.Fatal("failed to wire http server", zap.Error(err))
	}

	go func() {
		log.Info("admin/stream server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down broker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The two listeners and the scheduler have no ordering dependency on
	// each other during shutdown, so they're stopped concurrently and
	// their errors collected together rather than one blocking the next.
	var eg errgroup.Group
	eg.Go(func() error { return httpServer.Shutdown(shutdownCtx) })
	eg.Go(func() error { return rpcServer.Stop(shutdownCtx) })
	eg.Go(sched.Stop)
	if err := eg.Wait(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}

	log.Info("broker stopped")
}

// newStore opens the Store for the configured driver. Only sqlite is
// currently implemented (see DESIGN.md's note on internal/db/postgres.go);
// a configured postgres driver fails fast here rather than silently
// falling back.
func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		return sqlite.Open(cfg.Database.Path)
	default:
		return nil, fmt.Errorf("store driver %q is not implemented; only sqlite is", cfg.Database.Driver)
	}
}

// newHTTPServer assembles the administrative surface (§6.2) and the
// websocket streaming interface (§6.3) on one gin engine/port.
func newHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	s store.Store,
	reg *registry.Registry,
	lc *lifecycle.Lifecycle,
	sched *scheduler.Scheduler,
	eventBus bus.EventBus,
	log *logger.Logger,
) (*http.Server, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	root := router.Group("/")
	secret, err := admin.SetupRoutes(ctx, root, admin.Deps{
		Store: s, Registry: reg, Lifecycle: lc, Scheduler: sched,
	}, cfg.Auth.Secret, log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up admin routes: %w", err)
	}

	hub := stream.NewHub(log)
	go hub.Run(ctx)

	relay, err := stream.NewRelay(ctx, s, hub, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream relay: %w", err)
	}
	if _, err := relay.Subscribe(eventBus); err != nil {
		return nil, fmt.Errorf("failed to subscribe stream relay: %w", err)
	}

	streamHandler := stream.NewHandler(stream.Deps{Store: s, Registry: reg, Hub: hub}, secret, log)
	stream.SetupRoutes(root, streamHandler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}, nil
}
