package channel_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextania/harmony/internal/channel"
	"github.com/nextania/harmony/pkg/wire"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *channel.Manager {
	return channel.NewManager(newTestLogger(), time.Minute, time.Minute)
}

func testKey() []byte {
	_, pub, err := channel.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return pub[:]
}

func TestExchangeFlow(t *testing.T) {
	m := newTestManager()
	initiatorKey := testKey()
	responderKey := testKey()

	token, err := m.InitiateExchange("c1", uuid.New(), initiatorKey)
	if err != nil {
		t.Fatalf("InitiateExchange failed: %v", err)
	}
	if token == "" {
		t.Fatal("Expected a non-empty exchange token")
	}

	ex, err := m.CompleteExchange(token, responderKey)
	if err != nil {
		t.Fatalf("CompleteExchange failed: %v", err)
	}
	if ex.ChannelID != "c1" {
		t.Errorf("Expected channel c1, got %s", ex.ChannelID)
	}
	if !bytes.Equal(ex.InitiatorKey, initiatorKey) {
		t.Error("Exchange should carry the initiator's public key unmodified")
	}
}

func TestConcurrentExchangeRejected(t *testing.T) {
	m := newTestManager()

	if _, err := m.InitiateExchange("c1", uuid.New(), testKey()); err != nil {
		t.Fatalf("InitiateExchange failed: %v", err)
	}
	if _, err := m.InitiateExchange("c1", uuid.New(), testKey()); !errors.Is(err, channel.ErrChannelBusy) {
		t.Errorf("Expected ErrChannelBusy for concurrent handshake, got %v", err)
	}

	// A different channel is unaffected.
	if _, err := m.InitiateExchange("c2", uuid.New(), testKey()); err != nil {
		t.Errorf("Exchange on another channel should proceed: %v", err)
	}
}

func TestCompleteUnknownToken(t *testing.T) {
	m := newTestManager()
	if _, err := m.CompleteExchange("nope", testKey()); !errors.Is(err, channel.ErrExchangeNotFound) {
		t.Errorf("Expected ErrExchangeNotFound, got %v", err)
	}
}

func TestExchangeTimeoutSupersedes(t *testing.T) {
	m := channel.NewManager(newTestLogger(), time.Minute, 10*time.Millisecond)

	stale, err := m.InitiateExchange("c1", uuid.New(), testKey())
	if err != nil {
		t.Fatalf("InitiateExchange failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// The stale handshake no longer blocks the channel.
	if _, err := m.InitiateExchange("c1", uuid.New(), testKey()); err != nil {
		t.Fatalf("Expected expired exchange to be superseded: %v", err)
	}
	if _, err := m.CompleteExchange(stale, testKey()); !errors.Is(err, channel.ErrExchangeNotFound) {
		t.Errorf("Expected stale token to be rejected, got %v", err)
	}
}

func validEnvelope() *wire.Envelope {
	return &wire.Envelope{
		Channel:    "c1",
		Nonce:      make([]byte, wire.NonceSize),
		Counter:    1,
		Ciphertext: []byte("opaque"),
		Tag:        make([]byte, wire.TagSize),
	}
}

func TestValidateEnvelope(t *testing.T) {
	m := newTestManager()

	if err := m.ValidateEnvelope(validEnvelope()); err != nil {
		t.Fatalf("Valid envelope rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*wire.Envelope)
	}{
		{"empty channel", func(e *wire.Envelope) { e.Channel = "" }},
		{"short nonce", func(e *wire.Envelope) { e.Nonce = e.Nonce[:4] }},
		{"empty ciphertext", func(e *wire.Envelope) { e.Ciphertext = nil }},
		{"truncated tag", func(e *wire.Envelope) { e.Tag = e.Tag[:8] }},
	}
	for _, tc := range cases {
		env := validEnvelope()
		tc.mutate(env)
		if err := m.ValidateEnvelope(env); !errors.Is(err, channel.ErrInvalidEnvelope) {
			t.Errorf("%s: expected ErrInvalidEnvelope, got %v", tc.name, err)
		}
	}
}

func TestReplayWithinWindow(t *testing.T) {
	m := newTestManager()
	nonce1 := []byte("nonce-000001")
	nonce2 := []byte("nonce-000002")

	if err := m.CheckReplay("c1", "alice", 1, nonce1); err != nil {
		t.Fatalf("First envelope rejected: %v", err)
	}
	if err := m.CheckReplay("c1", "alice", 2, nonce2); err != nil {
		t.Fatalf("Advancing counter rejected: %v", err)
	}

	// Byte-identical replay of an already-seen nonce.
	if err := m.CheckReplay("c1", "alice", 3, nonce1); !errors.Is(err, channel.ErrReplayDetected) {
		t.Errorf("Expected ErrReplayDetected for reused nonce, got %v", err)
	}
	// Non-advancing counter.
	if err := m.CheckReplay("c1", "alice", 2, []byte("nonce-000003")); !errors.Is(err, channel.ErrReplayDetected) {
		t.Errorf("Expected ErrReplayDetected for stale counter, got %v", err)
	}

	// A different sender on the same channel has its own window.
	if err := m.CheckReplay("c1", "bob", 1, nonce1); err != nil {
		t.Errorf("Other sender should not be affected: %v", err)
	}
}

func TestReplayWindowElapses(t *testing.T) {
	m := channel.NewManager(newTestLogger(), 10*time.Millisecond, time.Minute)
	nonce := []byte("nonce-000001")

	if err := m.CheckReplay("c1", "alice", 5, nonce); err != nil {
		t.Fatalf("First envelope rejected: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Outside the window the counter baseline resets.
	if err := m.CheckReplay("c1", "alice", 1, []byte("nonce-000002")); err != nil {
		t.Errorf("Counter reset after window should be accepted: %v", err)
	}
}

func TestSharedSecretDerivation(t *testing.T) {
	alicePriv, alicePub, err := channel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	bobPriv, bobPub, err := channel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	aliceSecret, err := channel.DeriveSharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	bobSecret, err := channel.DeriveSharedSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	if aliceSecret != bobSecret {
		t.Error("Both sides must derive the same shared secret")
	}
}
