package wire

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is carried in every frame. Peers ignore frame types and
// fields they do not recognize, so minor revisions stay wire-compatible.
const ProtocolVersion = 1

var ErrUnknownType = errors.New("unknown frame type")

// Frame is the outer envelope of every message on the socket: a type tag, a
// protocol version and an opaque MessagePack payload decoded per type.
type Frame struct {
	Type string             `msgpack:"type"`
	V    int                `msgpack:"v"`
	Data msgpack.RawMessage `msgpack:"data,omitempty"`
}

// Client -> server frame types.
const (
	TypeIdentify    = "IDENTIFY"
	TypeHeartbeat   = "HEARTBEAT"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeRelay       = "RELAY"
	TypeKeyInit     = "KEY_INIT"
	TypeKeyComplete = "KEY_COMPLETE"
	TypeCallRequest = "CALL_REQUEST"
	TypeCallSignal  = "CALL_SIGNAL"
	TypeGetID       = "GET_ID"
)

// Server -> client frame types.
const (
	TypeHello        = "HELLO"
	TypeReady        = "READY"
	TypeHeartbeatAck = "HEARTBEAT_ACK"
	TypeDispatch     = "DISPATCH"
	TypeKeyOffer     = "KEY_OFFER"
	TypeKeyDone      = "KEY_DONE"
	TypeCallAssigned = "CALL_ASSIGNED"
	TypeNodeLost     = "NODE_LOST"
	TypePresence     = "PRESENCE"
	TypeRequestIDs   = "REQUEST_IDS"
	TypeError        = "ERROR"
)

// Encode wraps a typed payload into a versioned frame and serializes it.
func Encode(frameType string, payload any) ([]byte, error) {
	var data msgpack.RawMessage
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return msgpack.Marshal(&Frame{Type: frameType, V: ProtocolVersion, Data: data})
}

// DecodeFrame parses the outer envelope only. The payload stays raw until the
// dispatcher knows the type.
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Decode unmarshals the frame payload into a typed struct. Unknown fields in
// the payload are ignored.
func (f *Frame) Decode(v any) error {
	if f.Data == nil {
		return nil
	}
	return msgpack.Unmarshal(f.Data, v)
}
