// Package scheduler implements the reconciliation loop: ack reaping,
// progress reaping, matching sweeps, and stale-waiter cleanup (§4.5).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/broker/matching"
	"github.com/kandev/broker/internal/broker/registry"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Config holds scheduler tuning parameters.
type Config struct {
	ProcessInterval  time.Duration // how often the loop runs unconditionally
	AckTimeout       time.Duration // T_ACK
	HeartbeatTimeout time.Duration // T_HEARTBEAT
	StaleWaitTimeout  time.Duration // T_STALE_WAIT
}

// DefaultConfig returns the defaults named in §4.5.
func DefaultConfig() Config {
	return Config{
		ProcessInterval:  250 * time.Millisecond,
		AckTimeout:       30 * time.Second,
		HeartbeatTimeout: 5 * time.Minute,
		StaleWaitTimeout: 2 * 290 * time.Second,
	}
}

// Scheduler runs the periodic and on-demand reconciliation cycle described
// in §4.5, grounded on a Start/Stop ticker-driven process loop with an
// added event-driven "kick" channel.
type Scheduler struct {
	store   store.Store
	matcher *matching.Service
	lc      *lifecycle.Lifecycle
	reg     *registry.Registry
	bus     bus.EventBus
	log     *logger.Logger
	config  Config

	totalReserved int64
	totalReaped   int64
	totalFailed   int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	kickCh  chan struct{}
	wg      sync.WaitGroup

	subs []bus.Subscription
}

// New creates a Scheduler.
func New(s store.Store, matcher *matching.Service, lc *lifecycle.Lifecycle, reg *registry.Registry, b bus.EventBus, config Config) *Scheduler {
	return &Scheduler{
		store:   s,
		matcher: matcher,
		lc:      lc,
		reg:     reg,
		bus:     b,
		log:     logger.Default().WithFields(zap.String("component", "scheduler")),
		config:  config,
		kickCh:  make(chan struct{}, 1),
	}
}

// Start begins the reconciliation loop and subscribes to the events that
// should trigger an immediate, out-of-cycle sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.bus != nil {
		for _, subject := range []string{lifecycle.SubjectEvents, registry.StatusSubject} {
			sub, err := s.bus.Subscribe(subject, func(_ context.Context, _ *bus.Event) error {
				s.Kick()
				return nil
			})
			if err != nil {
				return err
			}
			s.subs = append(s.subs, sub)
		}
	}

	s.log.Info("scheduler starting", zap.Duration("process_interval", s.config.ProcessInterval))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop halts the reconciliation loop and blocks until it exits.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Kick requests an out-of-cycle reconciliation pass. Safe to call from any
// goroutine; coalesces bursts into a single pending sweep.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	s.log.Info("scheduler reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.kickCh:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes the four reconciliation steps in the order §4.5 names.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.reapAcks(ctx)
	s.reapStaleProgress(ctx)
	s.runMatchingSweep(ctx)
	s.sweepStaleWaiters(ctx)
}

// reapAcks removes PendingAck rows older than AckTimeout, returning the
// task to QUEUED/APPROVED_QUEUED without re-adding the agent to the
// waiting set (§4.5 step 1).
func (s *Scheduler) reapAcks(ctx context.Context) {
	threshold := time.Now().UTC().Add(-s.config.AckTimeout)
	stale, err := s.store.ListPendingAcksOlderThan(ctx, threshold)
	if err != nil {
		s.log.WithError(err).Warn("ack reap: list failed")
		return
	}
	for _, ack := range stale {
		if err := s.rollbackPendingAck(ctx, ack); err != nil {
			s.log.WithTaskID(ack.TaskID).WithError(err).Warn("ack reap: rollback failed")
			continue
		}
		atomic.AddInt64(&s.totalReaped, 1)
	}
}

func (s *Scheduler) rollbackPendingAck(ctx context.Context, ack *v1.PendingAck) error {
	task, err := s.store.GetTask(ctx, ack.TaskID)
	if err != nil {
		if err == store.ErrNotFound {
			return s.store.DeletePendingAck(ctx, ack.TaskID)
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
		// Already moved on by another path; just clear the stale row.
		return s.store.DeletePendingAck(ctx, ack.TaskID)
	}

	if err := s.store.DeletePendingAck(ctx, ack.TaskID); err != nil {
		return err
	}

	task.Status = next
	task.To.AgentID = nil
	msg := "ack-timeout"
	_, err = s.store.UpdateTask(ctx, store.TaskMutation{
		Task:    task,
		History: &v1.HistoryEntry{Timestamp: time.Now().UTC(), Status: next, Message: &msg},
	})
	return err
}

// reapStaleProgress marks ASSIGNED/IN_PROGRESS tasks FAILED when they have
// not progressed within HeartbeatTimeout (§4.5 step 2).
func (s *Scheduler) reapStaleProgress(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, v1.TaskStatusAssigned, v1.TaskStatusInProgress)
	if err != nil {
		s.log.WithError(err).Warn("progress reap: list failed")
		return
	}
	threshold := time.Now().UTC().Add(-s.config.HeartbeatTimeout)
	for _, task := range tasks {
		last := task.LastProgressAt
		if last.IsZero() {
			last = task.CreatedAt
		}
		if last.After(threshold) {
			continue
		}
		resp := v1.TaskResponse{Message: "no progress reported within the heartbeat window"}
		if _, err := s.lc.SendResponse(ctx, task.ID, v1.TaskStatusFailed, resp); err != nil {
			s.log.WithTaskID(task.ID).WithError(err).Warn("progress reap: mark failed failed")
			continue
		}
		atomic.AddInt64(&s.totalFailed, 1)
	}
}

// runMatchingSweep walks QUEUED/APPROVED_QUEUED tasks in priority/FIFO
// order and attempts a reservation for each via MatchingService +
// Lifecycle.Reserve (§4.5 step 3).
func (s *Scheduler) runMatchingSweep(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, v1.TaskStatusQueued, v1.TaskStatusApprovedQueued)
	if err != nil {
		s.log.WithError(err).Warn("matching sweep: list failed")
		return
	}
	for _, task := range tasks {
		agentID, err := s.matcher.ReserveAgentForTask(ctx, task)
		if err != nil {
			s.log.WithTaskID(task.ID).WithError(err).Warn("matching sweep: query failed")
			continue
		}
		if agentID == "" {
			continue
		}
		if _, err := s.lc.Reserve(ctx, task.ID, agentID); err != nil {
			// Lost the race to another sweep/enqueue path; the task
			// stays queued for the next cycle.
			continue
		}
		atomic.AddInt64(&s.totalReserved, 1)
	}
}

// sweepStaleWaiters removes waiting agents whose heartbeat predates
// StaleWaitTimeout (§4.5 step 4). A waiting agent's liveness is its
// registered Agent.LastSeen, touched by every wait_for_task call
// (internal/broker/registry.Heartbeat) even while it blocks in the same
// long poll — EnteredAt alone would flag a long-lived, still-healthy
// poller as stale.
func (s *Scheduler) sweepStaleWaiters(ctx context.Context) {
	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		s.log.WithError(err).Warn("stale-waiter sweep: list failed")
		return
	}
	threshold := time.Now().UTC().Add(-s.config.StaleWaitTimeout)
	for _, w := range waiting {
		lastSeen := w.EnteredAt
		if agent, err := s.store.GetAgent(ctx, w.AgentID); err == nil {
			lastSeen = agent.LastSeen
		}
		if lastSeen.After(threshold) {
			continue
		}
		if err := s.store.LeaveWaiting(ctx, w.AgentID); err != nil {
			s.log.WithAgentID(w.AgentID).WithError(err).Warn("stale-waiter sweep: evict failed")
		}
	}
}

// Stats summarizes scheduler activity since process start.
type Stats struct {
	TotalReserved int64
	TotalReaped   int64
	TotalFailed   int64
}

// GetStats returns current reconciliation counters (consumed by the
// administrative `/stats` endpoint).
func (s *Scheduler) GetStats() Stats {
	return Stats{
		TotalReserved: atomic.LoadInt64(&s.totalReserved),
		TotalReaped:   atomic.LoadInt64(&s.totalReaped),
		TotalFailed:   atomic.LoadInt64(&s.totalFailed),
	}
}
