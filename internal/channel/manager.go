// Package channel mediates per-channel key agreement and validates encrypted
// relay envelopes. The gateway stays cryptographically blind to content: it
// transports public key material and ciphertext, never plaintext or secret
// keys. That bounds a server compromise to metadata.
package channel

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nextania/harmony/pkg/wire"
)

var (
	// ErrChannelBusy rejects a second concurrent handshake for the same
	// channel. The caller retries once the pending exchange settles.
	ErrChannelBusy = errors.New("key exchange already in progress for channel")

	ErrExchangeNotFound = errors.New("exchange token unknown or expired")

	// ErrInvalidEnvelope covers malformed relay input: wrong nonce length,
	// empty ciphertext, or a bad authentication tag length.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrReplayDetected rejects a nonce reused by the same sender within the
	// replay window.
	ErrReplayDetected = errors.New("replay detected")
)

// Exchange is one pending key agreement between two channel participants.
type Exchange struct {
	Token            string
	ChannelID        string
	InitiatorSession uuid.UUID
	InitiatorKey     []byte
	CreatedAt        time.Time
}

type replayState struct {
	lastCounter uint64
	lastAt      time.Time
	seen        map[string]time.Time
}

// Manager tracks pending exchanges and per-sender replay windows.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Exchange // keyed by channel id
	byToken map[string]*Exchange
	replay  map[string]*replayState // keyed by channel id + sender
	window  time.Duration
	exchTTL time.Duration
	logger  *slog.Logger
}

func NewManager(logger *slog.Logger, replayWindow, exchangeTimeout time.Duration) *Manager {
	return &Manager{
		pending: make(map[string]*Exchange),
		byToken: make(map[string]*Exchange),
		replay:  make(map[string]*replayState),
		window:  replayWindow,
		exchTTL: exchangeTimeout,
		logger:  logger.With(slog.String("component", "channel_manager")),
	}
}

// InitiateExchange records a pending exchange for a channel. At most one
// handshake may be in flight per channel at a time.
func (m *Manager) InitiateExchange(channelID string, initiatorSession uuid.UUID, initiatorKey []byte) (string, error) {
	if len(initiatorKey) != KeySize {
		return "", ErrInvalidEnvelope
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[channelID]; ok {
		if time.Since(existing.CreatedAt) < m.exchTTL {
			return "", ErrChannelBusy
		}
		// The previous handshake timed out; supersede it.
		delete(m.byToken, existing.Token)
	}

	ex := &Exchange{
		Token:            uuid.NewString(),
		ChannelID:        channelID,
		InitiatorSession: initiatorSession,
		InitiatorKey:     initiatorKey,
		CreatedAt:        time.Now(),
	}
	m.pending[channelID] = ex
	m.byToken[ex.Token] = ex

	m.logger.Debug("Key exchange initiated", slog.String("channel", channelID))
	return ex.Token, nil
}

// CompleteExchange finalizes a pending exchange. Both sides derive the shared
// secret locally via X25519; the manager only hands back the exchange record
// so the responder's public key can be relayed to the initiator.
func (m *Manager) CompleteExchange(token string, responderKey []byte) (*Exchange, error) {
	if len(responderKey) != KeySize {
		return nil, ErrInvalidEnvelope
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.byToken[token]
	if !ok || time.Since(ex.CreatedAt) >= m.exchTTL {
		return nil, ErrExchangeNotFound
	}
	delete(m.byToken, token)
	delete(m.pending, ex.ChannelID)

	m.logger.Debug("Key exchange completed", slog.String("channel", ex.ChannelID))
	return ex, nil
}

// ValidateEnvelope checks the relay envelope shape: fixed nonce length,
// non-empty ciphertext, full authentication tag.
func (m *Manager) ValidateEnvelope(env *wire.Envelope) error {
	if env.Channel == "" {
		return ErrInvalidEnvelope
	}
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return ErrInvalidEnvelope
	}
	if len(env.Ciphertext) == 0 {
		return ErrInvalidEnvelope
	}
	if len(env.Tag) != chacha20poly1305.Overhead {
		return ErrInvalidEnvelope
	}
	return nil
}

// CheckReplay enforces the per-sender replay window for a channel: a reused
// nonce or a non-advancing counter within the window is rejected. Once the
// window elapses the sender's state resets.
func (m *Manager) CheckReplay(channelID, senderID string, counter uint64, nonce []byte) error {
	key := channelID + "\x00" + senderID
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.replay[key]
	if !ok {
		st = &replayState{seen: make(map[string]time.Time)}
		m.replay[key] = st
	}

	// Prune nonces that fell out of the window.
	for n, at := range st.seen {
		if now.Sub(at) >= m.window {
			delete(st.seen, n)
		}
	}

	if at, dup := st.seen[string(nonce)]; dup && now.Sub(at) < m.window {
		return ErrReplayDetected
	}
	if counter <= st.lastCounter && now.Sub(st.lastAt) < m.window {
		return ErrReplayDetected
	}

	st.seen[string(nonce)] = now
	st.lastCounter = counter
	st.lastAt = now
	return nil
}
