package server

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nextania/harmony/pkg/config"
	"github.com/nextania/harmony/pkg/wire"
)

const testJWTSecret = "e2e-test-secret"

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:        ":0",
			Region:         "eu-west",
			Auth:           config.AuthConfig{JWTSecret: testJWTSecret},
			MaxConnections: 16,
		},
		Transport: config.TransportConfig{
			ReadTimeout:   30 * time.Second,
			IdleTimeout:   time.Minute,
			AuthTimeout:   5 * time.Second,
			SendQueueSize: 64,
		},
		Presence: config.PresenceConfig{TTL: time.Minute, SweepInterval: time.Minute},
		Channel:  config.ChannelConfig{ReplayWindow: time.Minute, ExchangeTimeout: time.Minute},
		Voice:    config.VoiceConfig{HeartbeatGrace: 10 * time.Second, SweepInterval: time.Second},
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func startTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(newTestLogger(), context.Background(), testConfig())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	srv := httptest.NewServer(app.http.Handler)
	t.Cleanup(func() {
		srv.Close()
		app.Shutdown()
	})
	return app, srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, srv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, frameType string, payload any) {
	t.Helper()
	data, err := wire.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("Encode %s failed: %v", frameType, err)
	}
	if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("Write %s failed: %v", frameType, err)
	}
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) *wire.Frame {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, data, err := c.Read(readCtx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		t.Fatalf("Undecodable frame from server: %v", err)
	}
	return frame
}

// awaitFrame reads until a frame of the wanted type arrives, skipping others.
func awaitFrame(t *testing.T, ctx context.Context, c *websocket.Conn, frameType string) *wire.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, ctx, c)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("Never received %s frame", frameType)
	return nil
}

// connect dials, consumes HELLO, authenticates and waits for READY.
func connect(t *testing.T, ctx context.Context, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	c := dial(t, ctx, srv)

	hello := readFrame(t, ctx, c)
	if hello.Type != wire.TypeHello {
		t.Fatalf("Expected HELLO first, got %s", hello.Type)
	}
	var h wire.Hello
	if err := hello.Decode(&h); err != nil {
		t.Fatalf("Bad HELLO payload: %v", err)
	}
	if len(h.PublicKey) != 32 {
		t.Errorf("Expected 32-byte server public key, got %d", len(h.PublicKey))
	}
	if len(h.RequestIDs) != 20 {
		t.Errorf("Expected 20 pre-issued request ids, got %d", len(h.RequestIDs))
	}

	writeFrame(t, ctx, c, wire.TypeIdentify, &wire.Identify{Token: signToken(t, userID)})
	ready := awaitFrame(t, ctx, c, wire.TypeReady)
	var r wire.Ready
	if err := ready.Decode(&r); err != nil {
		t.Fatalf("Bad READY payload: %v", err)
	}
	if r.UserID != userID {
		t.Errorf("READY for wrong user: %s", r.UserID)
	}
	return c
}

// roundTrip completes a heartbeat exchange. Frames are processed in order
// per connection, so the ack proves everything sent before it was handled.
func roundTrip(t *testing.T, ctx context.Context, c *websocket.Conn) {
	t.Helper()
	writeFrame(t, ctx, c, wire.TypeHeartbeat, nil)
	awaitFrame(t, ctx, c, wire.TypeHeartbeatAck)
}

func TestIdentifyRejectsInvalidToken(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	c := dial(t, ctx, srv)
	readFrame(t, ctx, c) // HELLO

	writeFrame(t, ctx, c, wire.TypeIdentify, &wire.Identify{Token: "garbage"})
	frame := awaitFrame(t, ctx, c, wire.TypeError)
	var e wire.ErrorInfo
	if err := frame.Decode(&e); err != nil {
		t.Fatalf("Bad ERROR payload: %v", err)
	}
	if e.Code != wire.CodeUnauthenticated {
		t.Errorf("Expected %s, got %s", wire.CodeUnauthenticated, e.Code)
	}
}

func TestFramesBeforeIdentifyRejected(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	c := dial(t, ctx, srv)
	readFrame(t, ctx, c) // HELLO

	writeFrame(t, ctx, c, wire.TypeSubscribe, &wire.Subscribe{Topic: "channel:c1"})
	frame := awaitFrame(t, ctx, c, wire.TypeError)
	var e wire.ErrorInfo
	frame.Decode(&e)
	if e.Code != wire.CodeUnauthenticated {
		t.Errorf("Expected %s before identify, got %s", wire.CodeUnauthenticated, e.Code)
	}
}

func TestEncryptedChannelEndToEnd(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	alice := connect(t, ctx, srv, "alice")
	bob := connect(t, ctx, srv, "bob")

	// Both subscribe to the channel topic; the heartbeat round trip pins the
	// subscription before any fanout happens.
	writeFrame(t, ctx, alice, wire.TypeSubscribe, &wire.Subscribe{Topic: "channel:c1"})
	roundTrip(t, ctx, alice)
	writeFrame(t, ctx, bob, wire.TypeSubscribe, &wire.Subscribe{Topic: "channel:c1"})
	roundTrip(t, ctx, bob)

	// Key exchange: alice initiates, bob completes with the offered token.
	alicePub := make([]byte, 32)
	alicePub[0] = 0xA1
	bobPub := make([]byte, 32)
	bobPub[0] = 0xB0

	writeFrame(t, ctx, alice, wire.TypeKeyInit, &wire.KeyInit{Channel: "c1", PublicKey: alicePub})

	offerFrame := awaitFrame(t, ctx, bob, wire.TypeKeyOffer)
	var offer wire.KeyOffer
	if err := offerFrame.Decode(&offer); err != nil {
		t.Fatalf("Bad KEY_OFFER payload: %v", err)
	}
	if offer.Channel != "c1" || offer.Token == "" {
		t.Fatalf("Unexpected offer: %+v", offer)
	}

	writeFrame(t, ctx, bob, wire.TypeKeyComplete, &wire.KeyComplete{Token: offer.Token, PublicKey: bobPub})
	awaitFrame(t, ctx, bob, wire.TypeKeyDone)

	doneFrame := awaitFrame(t, ctx, alice, wire.TypeKeyDone)
	var done wire.KeyDone
	if err := doneFrame.Decode(&done); err != nil {
		t.Fatalf("Bad KEY_DONE payload: %v", err)
	}
	if done.Channel != "c1" || len(done.PublicKey) != 32 {
		t.Fatalf("Unexpected done: %+v", done)
	}

	// Alice relays one encrypted envelope. The gateway validates shape only;
	// the ciphertext is opaque.
	nonce := make([]byte, wire.NonceSize)
	nonce[0] = 1
	env := wire.Envelope{
		Channel:    "c1",
		Nonce:      nonce,
		Counter:    1,
		Ciphertext: []byte("x1"),
		Tag:        make([]byte, wire.TagSize),
	}
	writeFrame(t, ctx, alice, wire.TypeRelay, &env)
	roundTrip(t, ctx, alice)

	// Bob receives it exactly once: everything queued before his next
	// heartbeat ack is already on the socket.
	writeFrame(t, ctx, bob, wire.TypeHeartbeat, nil)
	var dispatches []wire.Dispatch
	for {
		frame := readFrame(t, ctx, bob)
		if frame.Type == wire.TypeHeartbeatAck {
			break
		}
		if frame.Type != wire.TypeDispatch {
			continue
		}
		var d wire.Dispatch
		if err := frame.Decode(&d); err != nil {
			t.Fatalf("Bad DISPATCH payload: %v", err)
		}
		dispatches = append(dispatches, d)
	}
	if len(dispatches) != 1 {
		t.Fatalf("Expected exactly 1 dispatch, got %d", len(dispatches))
	}
	if dispatches[0].Topic != "channel:c1" {
		t.Errorf("Dispatch on wrong topic: %s", dispatches[0].Topic)
	}

	var relayed wire.Envelope
	if err := msgpack.Unmarshal(dispatches[0].Payload, &relayed); err != nil {
		t.Fatalf("Bad envelope in dispatch: %v", err)
	}
	if relayed.Sender != "alice" {
		t.Errorf("Expected sender stamped by gateway, got %q", relayed.Sender)
	}
	if string(relayed.Ciphertext) != "x1" || relayed.Counter != 1 {
		t.Errorf("Ciphertext mangled in transit: %+v", relayed)
	}

	// Replaying the same nonce and counter is rejected.
	writeFrame(t, ctx, alice, wire.TypeRelay, &env)
	errFrame := awaitFrame(t, ctx, alice, wire.TypeError)
	var e wire.ErrorInfo
	if err := errFrame.Decode(&e); err != nil {
		t.Fatalf("Bad ERROR payload: %v", err)
	}
	if e.Code != wire.CodeReplayDetected {
		t.Errorf("Expected %s, got %s", wire.CodeReplayDetected, e.Code)
	}

	// The replay never reached bob.
	roundTrip(t, ctx, bob)
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	alice := connect(t, ctx, srv, "alice")
	writeFrame(t, ctx, alice, wire.TypeRelay, &wire.Envelope{
		Channel:    "c1",
		Nonce:      []byte{1, 2, 3}, // wrong size
		Counter:    1,
		Ciphertext: []byte("x1"),
		Tag:        make([]byte, wire.TagSize),
	})
	frame := awaitFrame(t, ctx, alice, wire.TypeError)
	var e wire.ErrorInfo
	frame.Decode(&e)
	if e.Code != wire.CodeInvalidEnvelope {
		t.Errorf("Expected %s, got %s", wire.CodeInvalidEnvelope, e.Code)
	}
}

func TestVoiceCallRequestNoCapacity(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	alice := connect(t, ctx, srv, "alice")
	writeFrame(t, ctx, alice, wire.TypeCallRequest, &wire.CallRequest{Channel: "c1"})
	frame := awaitFrame(t, ctx, alice, wire.TypeError)
	var e wire.ErrorInfo
	frame.Decode(&e)
	if e.Code != wire.CodeNoCapacity {
		t.Errorf("Expected %s with no voice nodes, got %s", wire.CodeNoCapacity, e.Code)
	}
}

func TestVoiceCallAssignment(t *testing.T) {
	app, srv := startTestApp(t)
	ctx := context.Background()

	app.voice.RegisterNode("node-1", "eu-west", "10.0.0.1:7000", 100)

	alice := connect(t, ctx, srv, "alice")
	writeFrame(t, ctx, alice, wire.TypeCallRequest, &wire.CallRequest{Channel: "c1"})
	frame := awaitFrame(t, ctx, alice, wire.TypeCallAssigned)
	var assigned wire.CallAssigned
	if err := frame.Decode(&assigned); err != nil {
		t.Fatalf("Bad CALL_ASSIGNED payload: %v", err)
	}
	if assigned.NodeID != "node-1" || assigned.Addr != "10.0.0.1:7000" {
		t.Errorf("Unexpected assignment: %+v", assigned)
	}
	if assigned.CallID == "" {
		t.Error("Assignment missing call id")
	}
}

func TestGetIDIssuesFreshBatch(t *testing.T) {
	_, srv := startTestApp(t)
	ctx := context.Background()

	alice := connect(t, ctx, srv, "alice")
	writeFrame(t, ctx, alice, wire.TypeGetID, nil)
	frame := awaitFrame(t, ctx, alice, wire.TypeRequestIDs)
	var ids wire.RequestIDs
	if err := frame.Decode(&ids); err != nil {
		t.Fatalf("Bad REQUEST_IDS payload: %v", err)
	}
	if len(ids.RequestIDs) != 20 {
		t.Errorf("Expected a batch of 20 ids, got %d", len(ids.RequestIDs))
	}
}
