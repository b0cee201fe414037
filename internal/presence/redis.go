package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "harmony:presence:"
	topicKeyPrefix    = "harmony:members:"
)

// RedisStore keeps presence entries as TTL'd keys and topic memberships as
// sets in the shared backplane store, so every gateway process sees the same
// view. Keys that lapse without a heartbeat simply disappear; a local sweep
// notices the vanishing for users this process marked online.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	// tracked holds users this process marked online, so the sweep knows
	// whose keys to watch for expiry.
	mu       sync.Mutex
	tracked  map[string]struct{}
	onExpire func(userID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(logger *slog.Logger, client *redis.Client, ttl, sweepInterval time.Duration) (*RedisStore, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	s := &RedisStore{
		client:  client,
		ttl:     ttl,
		tracked: make(map[string]struct{}),
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "presence_redis")),
	}
	s.wg.Add(1)
	go s.sweep(ctx, sweepInterval)
	return s, nil
}

func entryKey(userID, processID string) string {
	return presenceKeyPrefix + userID + ":" + processID
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID, processID string) error {
	if err := s.client.Set(ctx, entryKey(userID, processID), "1", s.ttl).Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tracked[userID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID, processID string) error {
	return s.client.Expire(ctx, entryKey(userID, processID), s.ttl).Err()
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID, processID string) error {
	if err := s.client.Del(ctx, entryKey(userID, processID)).Err(); err != nil {
		return err
	}
	online, err := s.IsOnline(ctx, userID)
	if err == nil && !online {
		s.mu.Lock()
		delete(s.tracked, userID)
		s.mu.Unlock()
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	// A user is online while any process still holds a live entry for them.
	iter := s.client.Scan(ctx, 0, presenceKeyPrefix+userID+":*", 10).Iterator()
	if iter.Next(ctx) {
		return true, nil
	}
	return false, iter.Err()
}

func (s *RedisStore) JoinTopic(ctx context.Context, topicID, userID string) error {
	return s.client.SAdd(ctx, topicKeyPrefix+topicID, userID).Err()
}

func (s *RedisStore) LeaveTopic(ctx context.Context, topicID, userID string) error {
	return s.client.SRem(ctx, topicKeyPrefix+topicID, userID).Err()
}

func (s *RedisStore) MembersOf(ctx context.Context, topicID string) ([]string, error) {
	return s.client.SMembers(ctx, topicKeyPrefix+topicID).Result()
}

func (s *RedisStore) OnExpire(fn func(userID string)) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

func (s *RedisStore) sweep(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *RedisStore) sweepExpired(ctx context.Context) {
	s.mu.Lock()
	watched := make([]string, 0, len(s.tracked))
	for u := range s.tracked {
		watched = append(watched, u)
	}
	onExpire := s.onExpire
	s.mu.Unlock()

	for _, userID := range watched {
		online, err := s.IsOnline(ctx, userID)
		if err != nil {
			s.logger.Warn("Presence sweep scan failed", slog.Any("error", err))
			return
		}
		if online {
			continue
		}
		s.mu.Lock()
		delete(s.tracked, userID)
		s.mu.Unlock()
		s.logger.Debug("Presence expired", slog.String("userID", userID))
		if onExpire != nil {
			onExpire(userID)
		}
	}
}

func (s *RedisStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
