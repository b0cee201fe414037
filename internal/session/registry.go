package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextania/harmony/pkg/transport"
)

var (
	// ErrCapacityExceeded signals the accept loop that this process is at its
	// connection ceiling. Clients are expected to retry elsewhere.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	ErrAlreadyRegistered = errors.New("connection is already registered")
)

// Registry holds every live session on this process, keyed by connection id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	byUser   map[string]map[uuid.UUID]*Session

	// maxSessions caps live sessions; zero disables the cap.
	maxSessions int

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		byUser:      make(map[string]map[uuid.UUID]*Session),
		maxSessions: maxSessions,
		logger:      logger.With(slog.String("component", "session_registry")),
	}
}

// Register creates a session for an authenticated connection.
func (r *Registry) Register(conn *transport.Connection, userID string, protocolVersion int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrCapacityExceeded
	}

	id := conn.ID()
	if _, exists := r.sessions[id]; exists {
		return nil, ErrAlreadyRegistered
	}

	now := time.Now()
	sess := &Session{
		ID:              id,
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Transport:       conn,
		CreatedAt:       now,
		lastActive:      now,
		topics:          make(map[string]struct{}),
	}
	r.sessions[id] = sess

	userSessions, ok := r.byUser[userID]
	if !ok {
		userSessions = make(map[uuid.UUID]*Session)
		r.byUser[userID] = userSessions
	}
	userSessions[id] = sess

	r.logger.Debug("Session registered", slog.String("sessionID", id.String()), slog.String("userID", userID))
	return sess, nil
}

// Unregister removes a session. Unregistering an unknown id is a no-op.
// Returns true when this was the user's last session on the process.
func (r *Registry) Unregister(id uuid.UUID) (lastForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)

	userSessions := r.byUser[sess.UserID]
	delete(userSessions, id)
	if len(userSessions) == 0 {
		delete(r.byUser, sess.UserID)
		lastForUser = true
	}

	r.logger.Debug("Session unregistered", slog.String("sessionID", id.String()), slog.String("userID", sess.UserID))
	return lastForUser
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Touch updates last-activity for a session, ignoring unknown ids.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		sess.Touch()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserSessions returns all live sessions for a user on this process.
func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every live session, used by the shutdown path.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// IdleSince returns sessions whose last activity is older than the cutoff.
// The gateway closes these to free session and presence resources.
func (r *Registry) IdleSince(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}
