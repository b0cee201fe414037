package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nextania/harmony/internal/bus"
	"github.com/nextania/harmony/internal/channel"
	"github.com/nextania/harmony/internal/session"
	"github.com/nextania/harmony/internal/voice"
	"github.com/nextania/harmony/pkg/wire"
)

// handleIdentify authenticates the connection and brings it to Ready. The
// token comes from the external account service; the gateway only verifies
// signature and expiry.
func (h *Handler) handleIdentify(ctx context.Context, cc *clientConn, frame *wire.Frame) {
	var identify wire.Identify
	if err := frame.Decode(&identify); err != nil {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed identify")
		cc.transport.Close(err)
		return
	}

	userID, err := h.verifier.Verify(identify.Token)
	if err != nil {
		cc.logger.Warn("Authentication failed", slog.Any("error", err))
		h.sendError(cc, wire.CodeUnauthenticated, "invalid token")
		cc.transport.Close(err)
		return
	}

	sess, err := h.sessions.Register(cc.transport, userID, frame.V)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			cc.logger.Warn("Connection refused: process at capacity")
			h.sendError(cc, wire.CodeCapacityExceeded, "retry on another gateway")
		}
		cc.transport.Close(err)
		return
	}

	if cc.authTimer != nil {
		cc.authTimer.Stop()
	}
	cc.mu.Lock()
	cc.sess = sess
	cc.state = StateReady
	cc.logger = cc.logger.With(slog.String("userID", userID))
	cc.mu.Unlock()

	if perr := h.presence.MarkOnline(ctx, userID, h.bus.ProcessID()); perr != nil {
		cc.logger.Warn("Failed to mark presence online", slog.Any("error", perr))
	}
	h.publishPresence(ctx, userID, true)

	h.send(cc, wire.TypeReady, &wire.Ready{SessionID: sess.ID.String(), UserID: userID})
	cc.logger.Info("Connection ready")
}

// dispatch routes one frame for a Ready connection. Unknown frame types are
// ignored for forward compatibility.
func (h *Handler) dispatch(ctx context.Context, cc *clientConn, frame *wire.Frame) {
	sess := cc.sess
	h.sessions.Touch(sess.ID)

	switch frame.Type {
	case wire.TypeHeartbeat:
		h.handleHeartbeat(ctx, cc, sess)
	case wire.TypeSubscribe:
		h.handleSubscribe(ctx, cc, sess, frame)
	case wire.TypeUnsubscribe:
		h.handleUnsubscribe(ctx, cc, sess, frame)
	case wire.TypeRelay:
		h.handleRelay(ctx, cc, sess, frame)
	case wire.TypeKeyInit:
		h.handleKeyInit(ctx, cc, sess, frame)
	case wire.TypeKeyComplete:
		h.handleKeyComplete(ctx, cc, sess, frame)
	case wire.TypeCallRequest:
		h.handleCallRequest(ctx, cc, sess, frame)
	case wire.TypeCallSignal:
		h.handleCallSignal(ctx, cc, sess, frame)
	case wire.TypeGetID:
		h.send(cc, wire.TypeRequestIDs, &wire.RequestIDs{RequestIDs: newRequestIDs()})
	default:
		cc.logger.Debug("Ignoring unknown frame type", slog.String("type", frame.Type))
	}
}

func (h *Handler) handleHeartbeat(ctx context.Context, cc *clientConn, sess *session.Session) {
	if err := h.presence.Heartbeat(ctx, sess.UserID, h.bus.ProcessID()); err != nil {
		cc.logger.Warn("Presence heartbeat failed", slog.Any("error", err))
	}
	h.send(cc, wire.TypeHeartbeatAck, nil)
}

func (h *Handler) handleSubscribe(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var sub wire.Subscribe
	if err := frame.Decode(&sub); err != nil || sub.Topic == "" {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed subscribe")
		return
	}

	member, err := h.membership.IsMember(ctx, sess.UserID, sub.Topic)
	if err != nil {
		cc.logger.Warn("Membership check failed", slog.String("topic", sub.Topic), slog.Any("error", err))
		h.sendError(cc, wire.CodeNotSubscribed, "membership check failed")
		return
	}
	if !member {
		h.sendError(cc, wire.CodeNotSubscribed, "not a member of this topic")
		return
	}

	if !sess.AddTopic(sub.Topic) {
		return // already subscribed, idempotent
	}
	if err := h.bus.Subscribe(ctx, sess.ID, sub.Topic, h.deliverFunc(cc, sess)); err != nil {
		// Degraded fanout: local delivery still works, keep the subscription.
		cc.logger.Warn("Subscription degraded to local-only", slog.String("topic", sub.Topic))
	}
	if err := h.presence.JoinTopic(ctx, sub.Topic, sess.UserID); err != nil {
		cc.logger.Warn("Failed to join topic membership", slog.Any("error", err))
	}
}

func (h *Handler) handleUnsubscribe(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var unsub wire.Unsubscribe
	if err := frame.Decode(&unsub); err != nil || unsub.Topic == "" {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed unsubscribe")
		return
	}

	// Unsubscribing a topic the session never subscribed is a no-op.
	if !sess.RemoveTopic(unsub.Topic) {
		return
	}
	h.bus.Unsubscribe(ctx, sess.ID, unsub.Topic)
	if err := h.presence.LeaveTopic(ctx, unsub.Topic, sess.UserID); err != nil {
		cc.logger.Warn("Failed to leave topic membership", slog.Any("error", err))
	}
}

// handleRelay validates and forwards an encrypted envelope. The ciphertext
// passes through unmodified and is never decrypted or logged.
func (h *Handler) handleRelay(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var env wire.Envelope
	if err := frame.Decode(&env); err != nil {
		h.sendError(cc, wire.CodeInvalidEnvelope, "malformed envelope")
		return
	}
	env.Sender = sess.UserID

	if err := h.channels.ValidateEnvelope(&env); err != nil {
		h.sendError(cc, wire.CodeInvalidEnvelope, "invalid envelope")
		return
	}
	if err := h.channels.CheckReplay(env.Channel, sess.UserID, env.Counter, env.Nonce); err != nil {
		h.sendError(cc, wire.CodeReplayDetected, "replayed nonce")
		return
	}

	payload, err := msgpack.Marshal(&env)
	if err != nil {
		cc.logger.Error("Failed to encode relay event", slog.Any("error", err))
		return
	}
	ev := bus.NewEvent(channelTopic(env.Channel), bus.KindMessage, sess.UserID, h.bus.ProcessID(), payload)
	if _, err := h.bus.Publish(ctx, ev); err != nil {
		// Degraded fanout is operational, not a client error.
		cc.logger.Warn("Relay fanout degraded", slog.String("channel", env.Channel))
	}
}

func (h *Handler) handleKeyInit(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var init wire.KeyInit
	if err := frame.Decode(&init); err != nil || init.Channel == "" {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed key init")
		return
	}

	token, err := h.channels.InitiateExchange(init.Channel, sess.ID, init.PublicKey)
	if err != nil {
		if errors.Is(err, channel.ErrChannelBusy) {
			h.sendError(cc, wire.CodeChannelBusy, "exchange already in progress")
			return
		}
		h.sendError(cc, wire.CodeInvalidFrame, "invalid public key")
		return
	}

	offer := &wire.KeyOffer{Token: token, Channel: init.Channel, PublicKey: init.PublicKey}
	payload, err := msgpack.Marshal(offer)
	if err != nil {
		cc.logger.Error("Failed to encode key offer", slog.Any("error", err))
		return
	}
	ev := bus.NewEvent(channelTopic(init.Channel), bus.KindKeyOffer, sess.UserID, h.bus.ProcessID(), payload)
	if _, err := h.bus.Publish(ctx, ev); err != nil {
		cc.logger.Warn("Key offer fanout degraded", slog.String("channel", init.Channel))
	}
	// The initiator also gets the token directly so it can match the later
	// KEY_DONE.
	h.send(cc, wire.TypeKeyOffer, offer)
}

func (h *Handler) handleKeyComplete(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var complete wire.KeyComplete
	if err := frame.Decode(&complete); err != nil || complete.Token == "" {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed key complete")
		return
	}

	ex, err := h.channels.CompleteExchange(complete.Token, complete.PublicKey)
	if err != nil {
		h.sendError(cc, wire.CodeInvalidFrame, "unknown or expired exchange")
		return
	}

	done := &wire.KeyDone{Token: ex.Token, Channel: ex.ChannelID, PublicKey: complete.PublicKey}
	payload, err := msgpack.Marshal(done)
	if err != nil {
		cc.logger.Error("Failed to encode key done", slog.Any("error", err))
		return
	}
	ev := bus.NewEvent(channelTopic(ex.ChannelID), bus.KindKeyDone, sess.UserID, h.bus.ProcessID(), payload)
	if _, err := h.bus.Publish(ctx, ev); err != nil {
		cc.logger.Warn("Key done fanout degraded", slog.String("channel", ex.ChannelID))
	}
	h.send(cc, wire.TypeKeyDone, done)
}

func (h *Handler) handleCallRequest(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var req wire.CallRequest
	if err := frame.Decode(&req); err != nil || req.Channel == "" {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed call request")
		return
	}
	region := req.Region
	if region == "" {
		region = h.opts.Region
	}

	call, node, err := h.voice.RequestAssignment(region, req.Channel, sess.UserID)
	if err != nil {
		if errors.Is(err, voice.ErrNoCapacity) {
			h.sendError(cc, wire.CodeNoCapacity, "no voice nodes available")
			return
		}
		cc.logger.Error("Call assignment failed", slog.Any("error", err))
		h.sendError(cc, wire.CodeNoCapacity, "assignment failed")
		return
	}

	// Subscribe the caller to the call topic so NodeLost and signaling
	// events reach it.
	if sess.AddTopic(voice.CallTopic(call.ID)) {
		if err := h.bus.Subscribe(ctx, sess.ID, voice.CallTopic(call.ID), h.deliverFunc(cc, sess)); err != nil {
			cc.logger.Warn("Call topic subscription degraded", slog.String("callID", call.ID))
		}
	}

	h.send(cc, wire.TypeCallAssigned, &wire.CallAssigned{
		CallID: call.ID,
		NodeID: node.ID,
		Addr:   node.Addr,
		Region: node.Region,
	})
}

// handleCallSignal relays an opaque signaling blob to the call's node. The
// blob stays uninterpreted except for peeking the call id out of it when the
// frame does not carry one.
func (h *Handler) handleCallSignal(ctx context.Context, cc *clientConn, sess *session.Session, frame *wire.Frame) {
	var sig wire.CallSignal
	if err := frame.Decode(&sig); err != nil || len(sig.Payload) == 0 {
		h.sendError(cc, wire.CodeInvalidFrame, "malformed call signal")
		return
	}

	callID := sig.CallID
	if callID == "" {
		callID = gjson.GetBytes(sig.Payload, "callId").String()
	}
	call, ok := h.voice.GetCall(callID)
	if !ok {
		h.sendError(cc, wire.CodeNodeLost, "call not found")
		return
	}

	if err := h.voice.ActivateCall(call.ID); err != nil {
		cc.logger.Warn("Failed to activate call", slog.String("callID", call.ID), slog.Any("error", err))
	}

	if h.nodeRelay == nil {
		h.sendError(cc, wire.CodeNodeLost, "no signaling path to node")
		return
	}
	if err := h.nodeRelay.SendToNode(ctx, call.NodeID, sig.Payload); err != nil {
		cc.logger.Warn("Failed to relay signal to node",
			slog.String("nodeID", call.NodeID), slog.Any("error", err))
		h.sendError(cc, wire.CodeNodeLost, "node unreachable")
	}
}

// deliverFunc builds the outbound path for one session: bus events become
// frames on the session's transport. It must not block; the transport owns
// backpressure.
func (h *Handler) deliverFunc(cc *clientConn, sess *session.Session) bus.DeliverFunc {
	return func(ev *bus.Event) {
		switch ev.Kind {
		case bus.KindNodeLost:
			h.send(cc, wire.TypeNodeLost, rawPayload(ev.Payload))
		case bus.KindPresence:
			h.send(cc, wire.TypePresence, rawPayload(ev.Payload))
		case bus.KindKeyOffer:
			h.send(cc, wire.TypeKeyOffer, rawPayload(ev.Payload))
		case bus.KindKeyDone:
			h.send(cc, wire.TypeKeyDone, rawPayload(ev.Payload))
		case bus.KindSignal:
			h.send(cc, wire.TypeCallSignal, rawPayload(ev.Payload))
		default:
			h.send(cc, wire.TypeDispatch, &wire.Dispatch{
				Topic:   ev.Topic,
				EventID: ev.ID,
				Kind:    ev.Kind,
				Payload: ev.Payload,
			})
		}
	}
}

// rawPayload re-emits an already-encoded msgpack payload as frame data.
type rawPayload []byte

var _ msgpack.Marshaler = rawPayload(nil)

func (p rawPayload) MarshalMsgpack() ([]byte, error) {
	return p, nil
}
