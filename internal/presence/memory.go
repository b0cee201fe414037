package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryEntry struct {
	// processes maps process id to that process's entry deadline.
	processes map[string]time.Time
}

// MemoryStore is the in-process presence store used by tests and
// single-process deployments. A background sweep expires entries whose
// heartbeat lapsed.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*memoryEntry
	topics   map[string]map[string]struct{}
	onExpire func(userID string)

	ttl    time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *slog.Logger, ttl, sweepInterval time.Duration) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		users:  make(map[string]*memoryEntry),
		topics: make(map[string]map[string]struct{}),
		ttl:    ttl,
		cancel: cancel,
		logger: logger.With(slog.String("component", "presence_memory")),
	}
	s.wg.Add(1)
	go s.sweep(ctx, sweepInterval)
	return s
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		entry = &memoryEntry{processes: make(map[string]time.Time)}
		s.users[userID] = entry
	}
	entry.processes[processID] = time.Now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, userID, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	if _, held := entry.processes[processID]; held {
		entry.processes[processID] = time.Now().Add(s.ttl)
	}
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	delete(entry.processes, processID)
	if len(entry.processes) == 0 {
		delete(s.users, userID)
	}
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	now := time.Now()
	for _, deadline := range entry.processes {
		if deadline.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) JoinTopic(_ context.Context, topicID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.topics[topicID]
	if !ok {
		members = make(map[string]struct{})
		s.topics[topicID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) LeaveTopic(_ context.Context, topicID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.topics[topicID]
	if !ok {
		return nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(s.topics, topicID)
	}
	return nil
}

func (s *MemoryStore) MembersOf(_ context.Context, topicID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.topics[topicID]
	out := make([]string, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	return out, nil
}

func (s *MemoryStore) OnExpire(fn func(userID string)) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

func (s *MemoryStore) sweep(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now()
	var expired []string

	s.mu.Lock()
	for userID, entry := range s.users {
		for processID, deadline := range entry.processes {
			if deadline.Before(now) {
				delete(entry.processes, processID)
			}
		}
		if len(entry.processes) == 0 {
			delete(s.users, userID)
			expired = append(expired, userID)
		}
	}
	onExpire := s.onExpire
	s.mu.Unlock()

	if onExpire == nil {
		return
	}
	for _, userID := range expired {
		s.logger.Debug("Presence expired", slog.String("userID", userID))
		onExpire(userID)
	}
}

func (s *MemoryStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
