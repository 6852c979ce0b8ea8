package stream

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/broker/internal/broker/lifecycle"
	"github.com/kandev/broker/internal/common/logger"
	"github.com/kandev/broker/internal/events/bus"
	"github.com/kandev/broker/internal/store"
)

// Relay bridges the event bus's best-effort "something changed" wake
// signal (internal/broker/lifecycle.SubjectEvents) to the durable,
// sequenced event log: on every wake it drains store events newer than the
// last seq it has broadcast and forwards each as its own frame. Clients
// never see the bus notification directly, only the sequenced rows it
// triggers a read of, so a dropped bus notification cannot cause a missed
// event seq, only a delayed one.
type Relay struct {
	store   store.Store
	hub     *Hub
	log     *logger.Logger
	lastSeq atomic.Int64
}

// NewRelay constructs a Relay seeded at the store's current max seq, so it
// only forwards events produced after it starts.
func NewRelay(ctx context.Context, s store.Store, hub *Hub, log *logger.Logger) (*Relay, error) {
	seq, err := s.LatestSeq(ctx)
	if err != nil {
		return nil, err
	}
	r := &Relay{store: s, hub: hub, log: log.WithFields(zap.String("component", "stream_relay"))}
	r.lastSeq.Store(seq)
	return r, nil
}

// Subscribe registers the relay's wake handler on b and returns the
// subscription so the caller can unsubscribe on shutdown.
func (r *Relay) Subscribe(b bus.EventBus) (bus.Subscription, error) {
	return b.Subscribe(lifecycle.SubjectEvents, r.onWake)
}

func (r *Relay) onWake(ctx context.Context, _ *bus.Event) error {
	since := r.lastSeq.Load()
	events, err := r.store.ListEventsSince(ctx, since)
	if err != nil {
		r.log.Warn("failed to list events for relay", zap.Error(err))
		return nil
	}
	for _, e := range events {
		frame, err := marshalFrame(newEventFrame(e))
		if err != nil {
			r.log.Warn("failed to marshal event frame", zap.Error(err))
			continue
		}
		r.hub.Broadcast(frame)
		if e.Seq > r.lastSeq.Load() {
			r.lastSeq.Store(e.Seq)
		}
	}
	return nil
}
