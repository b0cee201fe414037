package voice

import "time"

// NodeState is the lifecycle of a registered voice node.
//
//	Registered -> Heartbeating -> Expired   (removal)
//	Registered -> Heartbeating -> Drained   (graceful, node-initiated)
//
// A drained node keeps serving existing calls but accepts no new
// assignments.
type NodeState int

const (
	NodeRegistered NodeState = iota
	NodeHeartbeating
	NodeDrained
	NodeExpired
)

func (s NodeState) String() string {
	switch s {
	case NodeRegistered:
		return "registered"
	case NodeHeartbeating:
		return "heartbeating"
	case NodeDrained:
		return "drained"
	case NodeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Node is one live media node, mutated only by heartbeat processing and the
// expiry sweep, read by the router.
type Node struct {
	ID            string
	Region        string
	Addr          string
	Capacity      int
	Load          int
	State         NodeState
	LastHeartbeat time.Time
}

// Node event kinds exchanged with voice nodes over the shared registry
// channel.
const (
	NodeEventRegister   = "REGISTER"
	NodeEventPing       = "PING"
	NodeEventDrain      = "DRAIN"
	NodeEventDisconnect = "DISCONNECT"
	NodeEventQuery      = "QUERY"
)

// NodeEvent is the registration/heartbeat message voice nodes publish on the
// backplane's node channel.
type NodeEvent struct {
	NodeID   string `msgpack:"nodeId"`
	Kind     string `msgpack:"kind"`
	Region   string `msgpack:"region,omitempty"`
	Addr     string `msgpack:"addr,omitempty"`
	Capacity int    `msgpack:"capacity,omitempty"`
	Load     int    `msgpack:"load,omitempty"`
}
