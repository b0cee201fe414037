package voice

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// nodesChannel carries node registration, heartbeat and drain events
	// from every voice node in the deployment.
	nodesChannel = "harmony:nodes"
	// nodeChannelPrefix addresses one node for signaling relay.
	nodeChannelPrefix = "harmony:node:"
)

// Listener mirrors the shared voice-node registry into the local Registry by
// consuming node events from the backplane. On start it publishes a QUERY so
// already-running nodes re-announce themselves.
type Listener struct {
	client   *redis.Client
	registry *Registry
	logger   *slog.Logger
}

func NewListener(logger *slog.Logger, client *redis.Client, registry *Registry) *Listener {
	return &Listener{
		client:   client,
		registry: registry,
		logger:   logger.With(slog.String("component", "voice_listener")),
	}
}

// Run consumes node events until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, nodesChannel)
	defer pubsub.Close()

	query, err := msgpack.Marshal(&NodeEvent{Kind: NodeEventQuery, NodeID: "gateway"})
	if err != nil {
		return err
	}
	if err := l.client.Publish(ctx, nodesChannel, query).Err(); err != nil {
		l.logger.Warn("Failed to query voice nodes", slog.Any("error", err))
	}

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			l.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var ev NodeEvent
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		l.logger.Warn("Dropping undecodable node event", slog.Any("error", err))
		return
	}

	switch ev.Kind {
	case NodeEventRegister:
		l.registry.RegisterNode(ev.NodeID, ev.Region, ev.Addr, ev.Capacity)
	case NodeEventPing:
		if !l.registry.NodeHeartbeat(ev.NodeID, ev.Load) {
			l.logger.Debug("Heartbeat from unregistered node", slog.String("nodeID", ev.NodeID))
		}
	case NodeEventDrain:
		l.registry.Drain(ev.NodeID)
	case NodeEventDisconnect:
		l.registry.RemoveNode(ctx, ev.NodeID)
	case NodeEventQuery:
		// Queries are for nodes, not gateways.
	default:
		// Unknown kinds are ignored for forward compatibility.
	}
}

// SendToNode relays an opaque signaling blob to one voice node.
func (l *Listener) SendToNode(ctx context.Context, nodeID string, payload []byte) error {
	return l.client.Publish(ctx, nodeChannelPrefix+nodeID, payload).Err()
}
