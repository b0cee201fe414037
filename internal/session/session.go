package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextania/harmony/pkg/transport"
)

// Session is the per-connection state held for the lifetime of one transport
// connection. It is owned by the process that accepted the connection and is
// never shared across processes.
type Session struct {
	ID              uuid.UUID
	UserID          string
	ProtocolVersion int
	Transport       *transport.Connection
	CreatedAt       time.Time

	mu         sync.Mutex
	lastActive time.Time
	topics     map[string]struct{}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// AddTopic records a topic subscription. Returns false if already subscribed.
func (s *Session) AddTopic(topicID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topicID]; ok {
		return false
	}
	s.topics[topicID] = struct{}{}
	return true
}

// RemoveTopic drops a topic subscription. Removing a topic the session is not
// subscribed to is a no-op, not an error.
func (s *Session) RemoveTopic(topicID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topicID]; !ok {
		return false
	}
	delete(s.topics, topicID)
	return true
}

// Topics returns a snapshot of the session's subscriptions.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}
