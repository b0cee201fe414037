package wire

// NonceSize and TagSize fix the envelope layout: a 12-byte AEAD nonce and a
// 16-byte authentication tag, matching ChaCha20-Poly1305 / AES-256-GCM.
const (
	NonceSize = 12
	TagSize   = 16
)

// Envelope is the encrypted payload wrapper relayed between channel members.
// The gateway validates its shape and replay counter but never decrypts it.
type Envelope struct {
	Channel    string `msgpack:"channel"`
	Sender     string `msgpack:"sender,omitempty"`
	Nonce      []byte `msgpack:"nonce"`
	Counter    uint64 `msgpack:"counter"`
	Ciphertext []byte `msgpack:"ciphertext"`
	Tag        []byte `msgpack:"tag"`
}

// --- client -> server payloads ---

type Identify struct {
	Token     string `msgpack:"token"`
	PublicKey []byte `msgpack:"publicKey,omitempty"`
}

type Subscribe struct {
	Topic string `msgpack:"topic"`
}

type Unsubscribe struct {
	Topic string `msgpack:"topic"`
}

type KeyInit struct {
	Channel   string `msgpack:"channel"`
	PublicKey []byte `msgpack:"publicKey"`
}

type KeyComplete struct {
	Token     string `msgpack:"token"`
	PublicKey []byte `msgpack:"publicKey"`
}

type CallRequest struct {
	Channel string `msgpack:"channel"`
	Region  string `msgpack:"region,omitempty"`
}

// CallSignal carries an opaque signaling blob (offer/answer/candidate). The
// gateway only reads enough of it to route.
type CallSignal struct {
	CallID  string `msgpack:"callId,omitempty"`
	Payload []byte `msgpack:"payload"`
}

// --- server -> client payloads ---

type Hello struct {
	PublicKey  []byte   `msgpack:"publicKey"`
	RequestIDs []string `msgpack:"requestIds"`
}

type Ready struct {
	SessionID string `msgpack:"sessionId"`
	UserID    string `msgpack:"userId"`
}

type Dispatch struct {
	Topic   string `msgpack:"topic"`
	EventID string `msgpack:"eventId"`
	Kind    string `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

type KeyOffer struct {
	Token     string `msgpack:"token"`
	Channel   string `msgpack:"channel"`
	PublicKey []byte `msgpack:"publicKey"`
}

type KeyDone struct {
	Token     string `msgpack:"token"`
	Channel   string `msgpack:"channel"`
	PublicKey []byte `msgpack:"publicKey"`
}

type CallAssigned struct {
	CallID string `msgpack:"callId"`
	NodeID string `msgpack:"nodeId"`
	Addr   string `msgpack:"addr"`
	Region string `msgpack:"region"`
}

type NodeLost struct {
	CallID string `msgpack:"callId"`
	NodeID string `msgpack:"nodeId"`
}

type Presence struct {
	UserID string `msgpack:"userId"`
	Online bool   `msgpack:"online"`
}

type RequestIDs struct {
	RequestIDs []string `msgpack:"requestIds"`
}

// Error codes sent to clients. DegradedFanout is deliberately absent: it is
// an operational condition, never surfaced on the wire.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeInvalidEnvelope  = "INVALID_ENVELOPE"
	CodeReplayDetected   = "REPLAY_DETECTED"
	CodeChannelBusy      = "CHANNEL_BUSY"
	CodeNoCapacity       = "NO_CAPACITY"
	CodeNodeLost         = "NODE_LOST"
	CodeNotSubscribed    = "NOT_SUBSCRIBED"
	CodeInvalidFrame     = "INVALID_FRAME"
)

type ErrorInfo struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message,omitempty"`
}
