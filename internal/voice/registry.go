package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nextania/harmony/internal/bus"
	"github.com/nextania/harmony/pkg/wire"
)

var (
	// ErrNoCapacity means no node anywhere is heartbeating within the grace
	// window. Recoverable: the client retries later.
	ErrNoCapacity = errors.New("no voice node capacity available")

	ErrCallNotFound = errors.New("call not found")
)

// CallState tracks one call assignment.
type CallState int

const (
	CallPending CallState = iota
	CallAssigned
	CallActive
	CallEnded
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallAssigned:
		return "assigned"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Call is a live assignment of a channel's call to a voice node.
type Call struct {
	ID        string
	ChannelID string
	UserID    string
	NodeID    string
	State     CallState
	CreatedAt time.Time
}

// CallTopic is the fanout topic carrying a call's signaling and failure
// events.
func CallTopic(callID string) string {
	return "call:" + callID
}

// Registry tracks live voice nodes by region and load, assigns calls to the
// nearest healthy node, and fails calls whose node stops heartbeating.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	calls map[string]*Call

	grace  time.Duration
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, eventBus *bus.Bus, heartbeatGrace time.Duration) *Registry {
	return &Registry{
		nodes:  make(map[string]*Node),
		calls:  make(map[string]*Call),
		grace:  heartbeatGrace,
		bus:    eventBus,
		logger: logger.With(slog.String("component", "voice_registry")),
	}
}

// RegisterNode creates or refreshes a node record. Registration counts as a
// first heartbeat.
func (r *Registry) RegisterNode(id, region, addr string, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[id] = &Node{
		ID:            id,
		Region:        region,
		Addr:          addr,
		Capacity:      capacity,
		State:         NodeHeartbeating,
		LastHeartbeat: time.Now(),
	}
	r.logger.Info("Voice node registered", slog.String("nodeID", id), slog.String("region", region))
}

// NodeHeartbeat refreshes a node's liveness and reported load. Unknown nodes
// are ignored; they must register first.
func (r *Registry) NodeHeartbeat(id string, load int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok || node.State == NodeExpired {
		return false
	}
	node.Load = load
	node.LastHeartbeat = time.Now()
	if node.State == NodeRegistered {
		node.State = NodeHeartbeating
	}
	return true
}

// Drain marks a node as gracefully leaving: existing calls continue, no new
// assignments are made.
func (r *Registry) Drain(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.nodes[id]; ok {
		node.State = NodeDrained
		r.logger.Info("Voice node draining", slog.String("nodeID", id))
	}
}

// RemoveNode drops a node that disconnected explicitly. Its active calls are
// failed the same way expiry would fail them.
func (r *Registry) RemoveNode(ctx context.Context, id string) {
	r.mu.Lock()
	_, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
	}
	failed := r.failCallsOnLocked(id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("Voice node removed", slog.String("nodeID", id))
	}
	r.notifyNodeLost(ctx, id, failed)
}

func (r *Registry) Node(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	copied := *node
	return &copied, true
}

// RequestAssignment picks a node for a new call: heartbeating nodes in the
// caller's region first, lowest reported load as tiebreak, then the
// lowest-load node in any other region, else ErrNoCapacity.
func (r *Registry) RequestAssignment(callerRegion, channelID, userID string) (*Call, *Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var inRegion, elsewhere *Node
	for _, node := range r.nodes {
		if node.State != NodeHeartbeating && node.State != NodeRegistered {
			continue
		}
		if now.Sub(node.LastHeartbeat) >= r.grace {
			continue
		}
		if node.Region == callerRegion {
			if inRegion == nil || node.Load < inRegion.Load {
				inRegion = node
			}
		} else {
			if elsewhere == nil || node.Load < elsewhere.Load {
				elsewhere = node
			}
		}
	}

	selected := inRegion
	if selected == nil {
		selected = elsewhere
	}
	if selected == nil {
		return nil, nil, ErrNoCapacity
	}

	call := &Call{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		NodeID:    selected.ID,
		State:     CallAssigned,
		CreatedAt: now,
	}
	r.calls[call.ID] = call

	copied := *selected
	r.logger.Info("Call assigned",
		slog.String("callID", call.ID),
		slog.String("nodeID", selected.ID),
		slog.String("region", selected.Region))
	return call, &copied, nil
}

// ActivateCall transitions an assigned call to active once signaling flows.
func (r *Registry) ActivateCall(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if call.State == CallAssigned || call.State == CallPending {
		call.State = CallActive
	}
	return nil
}

// EndCall finishes a call normally and forgets it.
func (r *Registry) EndCall(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	call.State = CallEnded
	delete(r.calls, callID)
	return nil
}

func (r *Registry) GetCall(callID string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	copied := *call
	return &copied, true
}

// failCallsOnLocked fails every live call on a node. Caller holds r.mu.
func (r *Registry) failCallsOnLocked(nodeID string) []*Call {
	var failed []*Call
	for id, call := range r.calls {
		if call.NodeID != nodeID {
			continue
		}
		if call.State == CallAssigned || call.State == CallActive || call.State == CallPending {
			call.State = CallFailed
			failed = append(failed, call)
			delete(r.calls, id)
		}
	}
	return failed
}

// notifyNodeLost surfaces NodeLost to each failed call's topic so clients
// can re-request an assignment. The router never silently migrates an active
// media session.
func (r *Registry) notifyNodeLost(ctx context.Context, nodeID string, failed []*Call) {
	for _, call := range failed {
		payload, err := msgpack.Marshal(&wire.NodeLost{CallID: call.ID, NodeID: nodeID})
		if err != nil {
			r.logger.Error("Failed to encode NodeLost event", slog.Any("error", err))
			continue
		}
		ev := bus.NewEvent(CallTopic(call.ID), bus.KindNodeLost, "", r.bus.ProcessID(), payload)
		if _, err := r.bus.Publish(ctx, ev); err != nil {
			r.logger.Warn("NodeLost fanout degraded",
				slog.String("callID", call.ID), slog.Any("error", err))
		}
		r.logger.Warn("Call failed: node lost",
			slog.String("callID", call.ID), slog.String("nodeID", nodeID))
	}
}

// Run sweeps for expired nodes until the context is cancelled. A node past
// the grace window is removed and its calls are failed with NodeLost.
func (r *Registry) Run(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired(ctx)
		}
	}
}

func (r *Registry) sweepExpired(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	type lost struct {
		nodeID string
		calls  []*Call
	}
	var losses []lost
	for id, node := range r.nodes {
		// Drained nodes are swept too once they stop heartbeating entirely.
		if now.Sub(node.LastHeartbeat) >= r.grace {
			node.State = NodeExpired
			delete(r.nodes, id)
			losses = append(losses, lost{nodeID: id, calls: r.failCallsOnLocked(id)})
		}
	}
	r.mu.Unlock()

	for _, l := range losses {
		r.logger.Warn("Voice node heartbeat expired", slog.String("nodeID", l.nodeID))
		r.notifyNodeLost(ctx, l.nodeID, l.calls)
	}
}
