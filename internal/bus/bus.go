package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrDegradedFanout reports that the backplane was unreachable and the event
// only reached local subscribers. Publishing still succeeds: availability is
// preferred over cross-process consistency for chat-like traffic.
var ErrDegradedFanout = errors.New("degraded fanout: backplane unavailable")

// DeliverFunc pushes an event toward one subscribed session. It must not
// block; the transport layer owns backpressure.
type DeliverFunc func(ev *Event)

type subscriber struct {
	sessionID uuid.UUID
	deliver   DeliverFunc
}

// Bus fans events out to local subscribers immediately and mirrors every
// publish onto the backplane so other processes can do the same.
type Bus struct {
	processID string

	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*subscriber

	backplane Backplane
	logger    *slog.Logger
}

func New(logger *slog.Logger, processID string, backplane Backplane) *Bus {
	return &Bus{
		processID: processID,
		topics:    make(map[string]map[uuid.UUID]*subscriber),
		backplane: backplane,
		logger:    logger.With(slog.String("component", "event_bus")),
	}
}

func (b *Bus) ProcessID() string {
	return b.processID
}

// Subscribe attaches a session to a topic. The first local subscriber joins
// the topic's distributed broadcast group. Subscribing twice is a no-op.
func (b *Bus) Subscribe(ctx context.Context, sessionID uuid.UUID, topicID string, deliver DeliverFunc) error {
	b.mu.Lock()
	subs, ok := b.topics[topicID]
	if !ok {
		subs = make(map[uuid.UUID]*subscriber)
		b.topics[topicID] = subs
	}
	_, already := subs[sessionID]
	if !already {
		subs[sessionID] = &subscriber{sessionID: sessionID, deliver: deliver}
	}
	first := !already && len(subs) == 1
	b.mu.Unlock()

	if first {
		if err := b.backplane.Subscribe(ctx, topicID); err != nil {
			b.logger.Warn("Failed to join topic broadcast group",
				slog.String("topic", topicID), slog.Any("error", err))
			return fmt.Errorf("%w: %v", ErrDegradedFanout, err)
		}
	}
	return nil
}

// Unsubscribe detaches a session from a topic. The last local unsubscribe
// leaves the distributed broadcast group. Unsubscribing a topic the session
// is not attached to is a no-op, not an error.
func (b *Bus) Unsubscribe(ctx context.Context, sessionID uuid.UUID, topicID string) {
	b.mu.Lock()
	subs, ok := b.topics[topicID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, attached := subs[sessionID]; !attached {
		b.mu.Unlock()
		return
	}
	delete(subs, sessionID)
	last := len(subs) == 0
	if last {
		delete(b.topics, topicID)
	}
	b.mu.Unlock()

	if last {
		if err := b.backplane.Unsubscribe(ctx, topicID); err != nil {
			b.logger.Warn("Failed to leave topic broadcast group",
				slog.String("topic", topicID), slog.Any("error", err))
		}
	}
}

// Publish delivers the event to local subscribers and broadcasts it on the
// backplane. It returns the local fanout count. A backplane failure degrades
// to local-only delivery and is reported as ErrDegradedFanout alongside the
// count, never as a failed publish.
func (b *Bus) Publish(ctx context.Context, ev *Event) (int, error) {
	if ev.Origin == "" {
		ev.Origin = b.processID
	}
	fanout := b.deliverLocal(ev)

	data, err := ev.encode()
	if err != nil {
		return fanout, fmt.Errorf("encode event: %w", err)
	}
	if err := b.backplane.Publish(ctx, ev.Topic, data); err != nil {
		b.logger.Warn("Backplane publish failed, local-only delivery",
			slog.String("topic", ev.Topic), slog.Any("error", err))
		return fanout, fmt.Errorf("%w: %v", ErrDegradedFanout, err)
	}
	return fanout, nil
}

func (b *Bus) deliverLocal(ev *Event) int {
	b.mu.RLock()
	subs := b.topics[ev.Topic]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return len(targets)
}

// LocalSubscribers reports the number of sessions attached to a topic on
// this process.
func (b *Bus) LocalSubscribers(topicID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topicID])
}

// Run consumes backplane deliveries until the context is cancelled,
// re-fanning remote events to local subscribers. Events originating from
// this process are skipped; they were delivered inline at publish time.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-b.backplane.Deliveries():
			if !ok {
				return
			}
			ev, err := decodeEvent(d.Data)
			if err != nil {
				b.logger.Warn("Dropping undecodable backplane event",
					slog.String("topic", d.Topic), slog.Any("error", err))
				continue
			}
			if ev.Origin == b.processID {
				continue
			}
			b.deliverLocal(ev)
		}
	}
}
