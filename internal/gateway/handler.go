package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nextania/harmony/internal/auth"
	"github.com/nextania/harmony/internal/bus"
	"github.com/nextania/harmony/internal/channel"
	"github.com/nextania/harmony/internal/presence"
	"github.com/nextania/harmony/internal/session"
	"github.com/nextania/harmony/internal/voice"
	"github.com/nextania/harmony/pkg/transport"
	"github.com/nextania/harmony/pkg/wire"
)

// State is the per-connection protocol state machine.
//
//	Connecting -> Authenticating -> Ready -> Closing -> Closed
//
// Auth failure or timeout short-circuits straight to Closed.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// requestIDBatch is how many pre-issued request ids accompany a HELLO or
// REQUEST_IDS response.
const requestIDBatch = 20

// NodeRelay forwards opaque signaling blobs to an assigned voice node.
type NodeRelay interface {
	SendToNode(ctx context.Context, nodeID string, payload []byte) error
}

// Options are the handler's tuning knobs, all sourced from configuration.
type Options struct {
	Region      string
	AuthTimeout time.Duration
	IdleTimeout time.Duration
}

// clientConn is the handler-side view of one connection: its state machine
// plus the hello material issued before authentication. Handlers never
// reference another connection's clientConn; all cross-connection traffic
// goes through the bus, registry and presence components.
type clientConn struct {
	mu        sync.Mutex
	state     State
	transport *transport.Connection
	sess      *session.Session
	authTimer *time.Timer
	logger    *slog.Logger
}

func (c *clientConn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *clientConn) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handler ties the gateway components together per connection: it
// authenticates, subscribes, translates inbound frames into bus and registry
// operations, and serializes outbound events.
type Handler struct {
	opts       Options
	verifier   *auth.Verifier
	sessions   *session.Registry
	channels   *channel.Manager
	bus        *bus.Bus
	presence   presence.Store
	voice      *voice.Registry
	nodeRelay  NodeRelay
	membership Membership

	mu    sync.RWMutex
	conns map[uuid.UUID]*clientConn

	logger *slog.Logger
}

func NewHandler(
	logger *slog.Logger,
	opts Options,
	verifier *auth.Verifier,
	sessions *session.Registry,
	channels *channel.Manager,
	eventBus *bus.Bus,
	presenceStore presence.Store,
	voiceRegistry *voice.Registry,
	nodeRelay NodeRelay,
	membership Membership,
) *Handler {
	if membership == nil {
		membership = AllowAll{}
	}
	h := &Handler{
		opts:       opts,
		verifier:   verifier,
		sessions:   sessions,
		channels:   channels,
		bus:        eventBus,
		presence:   presenceStore,
		voice:      voiceRegistry,
		nodeRelay:  nodeRelay,
		membership: membership,
		conns:      make(map[uuid.UUID]*clientConn),
		logger:     logger.With(slog.String("component", "gateway")),
	}

	// Presence lapses with no heartbeat are advisory offline signals; fan
	// them out so subscribers see the user drop.
	presenceStore.OnExpire(func(userID string) {
		h.publishPresence(context.Background(), userID, false)
	})
	return h
}

// HandleConnect starts the state machine for a freshly accepted transport
// connection: send HELLO with a server ephemeral public key and a batch of
// request ids, then wait for IDENTIFY within the auth timeout.
func (h *Handler) HandleConnect(conn *transport.Connection) {
	cc := &clientConn{
		state:     StateConnecting,
		transport: conn,
		logger:    h.logger.With(slog.String("connID", conn.ID().String())),
	}

	h.mu.Lock()
	h.conns[conn.ID()] = cc
	h.mu.Unlock()

	_, public, err := channel.GenerateKeyPair()
	if err != nil {
		cc.logger.Error("Failed to generate hello key pair", slog.Any("error", err))
		conn.Close(err)
		return
	}

	hello := &wire.Hello{
		PublicKey:  public[:],
		RequestIDs: newRequestIDs(),
	}
	h.send(cc, wire.TypeHello, hello)
	cc.setState(StateAuthenticating)

	cc.authTimer = time.AfterFunc(h.opts.AuthTimeout, func() {
		if cc.getState() == StateAuthenticating {
			cc.logger.Warn("Authentication timed out")
			conn.Close(auth.ErrUnauthenticated)
		}
	})
}

// HandleMessage dispatches one inbound frame. It runs on the connection's
// read pump; each dispatch is a synchronous local operation plus at most one
// bus or registry call.
func (h *Handler) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	h.mu.RLock()
	cc, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	frame, err := wire.DecodeFrame(msg)
	if err != nil {
		cc.logger.Warn("Dropping undecodable frame", slog.Any("error", err))
		h.sendError(cc, wire.CodeInvalidFrame, "undecodable frame")
		return
	}

	switch cc.getState() {
	case StateAuthenticating:
		if frame.Type == wire.TypeIdentify {
			h.handleIdentify(ctx, cc, frame)
			return
		}
		h.sendError(cc, wire.CodeUnauthenticated, "identify first")
	case StateReady:
		h.dispatch(ctx, cc, frame)
	default:
		// Connecting, Closing, Closed: frames are ignored.
	}
}

// HandleClose releases everything a connection held. It runs synchronously
// on the close path so no event can be delivered to a dead connection:
// topics are unsubscribed and the session unregistered before close
// completes.
func (h *Handler) HandleClose(connID uuid.UUID, err error) {
	h.mu.Lock()
	cc, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	cc.setState(StateClosing)
	if cc.authTimer != nil {
		cc.authTimer.Stop()
	}

	ctx := context.Background()
	if sess := cc.sess; sess != nil {
		for _, topicID := range sess.Topics() {
			h.bus.Unsubscribe(ctx, sess.ID, topicID)
			if perr := h.presence.LeaveTopic(ctx, topicID, sess.UserID); perr != nil {
				cc.logger.Warn("Failed to leave topic membership", slog.Any("error", perr))
			}
		}
		if lastForUser := h.sessions.Unregister(sess.ID); lastForUser {
			if perr := h.presence.MarkOffline(ctx, sess.UserID, h.bus.ProcessID()); perr != nil {
				cc.logger.Warn("Failed to mark presence offline", slog.Any("error", perr))
			}
			h.publishPresence(ctx, sess.UserID, false)
		}
	}

	cc.setState(StateClosed)
	cc.logger.Info("Connection torn down", slog.Any("reason", err))
}

// Run closes idle connections until the context is cancelled. Liveness is
// heartbeat-driven; a connection that stops heartbeating is reaped so its
// session and presence resources free deterministically.
func (h *Handler) Run(ctx context.Context) {
	interval := h.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.opts.IdleTimeout)
			for _, sess := range h.sessions.IdleSince(cutoff) {
				h.logger.Info("Closing idle connection",
					slog.String("sessionID", sess.ID.String()),
					slog.String("userID", sess.UserID))
				sess.Transport.Close(context.DeadlineExceeded)
			}
		}
	}
}

func newRequestIDs() []string {
	ids := make([]string, requestIDBatch)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return ids
}

func (h *Handler) send(cc *clientConn, frameType string, payload any) {
	data, err := wire.Encode(frameType, payload)
	if err != nil {
		cc.logger.Error("Failed to encode outbound frame",
			slog.String("type", frameType), slog.Any("error", err))
		return
	}
	cc.transport.Send(data)
}

func (h *Handler) sendError(cc *clientConn, code, message string) {
	h.send(cc, wire.TypeError, &wire.ErrorInfo{Code: code, Message: message})
}

func (h *Handler) publishPresence(ctx context.Context, userID string, online bool) {
	payload, err := msgpack.Marshal(&wire.Presence{UserID: userID, Online: online})
	if err != nil {
		h.logger.Error("Failed to encode presence event", slog.Any("error", err))
		return
	}
	ev := bus.NewEvent(presenceTopic(userID), bus.KindPresence, userID, h.bus.ProcessID(), payload)
	if _, err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Warn("Presence fanout degraded", slog.String("userID", userID), slog.Any("error", err))
	}
}

func presenceTopic(userID string) string {
	return "presence:" + userID
}

func channelTopic(channelID string) string {
	return "channel:" + channelID
}
