package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const topicKeyPrefix = "harmony:topic:"

// RedisBackplane broadcasts topic traffic over redis pub/sub so every
// gateway process behaves as one logical bus.
type RedisBackplane struct {
	client *redis.Client
	pubsub *redis.PubSub
	ch     chan Delivery

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewRedisBackplane(ctx context.Context, logger *slog.Logger, client *redis.Client) (*RedisBackplane, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &RedisBackplane{
		client: client,
		// Subscribe with no channels; topics are added and removed as local
		// subscribers come and go.
		pubsub: client.Subscribe(runCtx),
		ch:     make(chan Delivery, 256),
		cancel: cancel,
		logger: logger.With(slog.String("component", "redis_backplane")),
	}

	b.wg.Add(1)
	go b.receive(runCtx)
	return b, nil
}

func (b *RedisBackplane) receive(ctx context.Context) {
	defer b.wg.Done()
	msgs := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			topic := msg.Channel
			if len(topic) > len(topicKeyPrefix) {
				topic = topic[len(topicKeyPrefix):]
			}
			select {
			case b.ch <- Delivery{Topic: topic, Data: []byte(msg.Payload)}:
			default:
				b.logger.Warn("Backplane delivery queue full, dropping message", slog.String("topic", topic))
			}
		}
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, topic string, data []byte) error {
	return b.client.Publish(ctx, topicKeyPrefix+topic, data).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, topic string) error {
	return b.pubsub.Subscribe(ctx, topicKeyPrefix+topic)
}

func (b *RedisBackplane) Unsubscribe(ctx context.Context, topic string) error {
	return b.pubsub.Unsubscribe(ctx, topicKeyPrefix+topic)
}

func (b *RedisBackplane) Deliveries() <-chan Delivery {
	return b.ch
}

func (b *RedisBackplane) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	close(b.ch)
	return err
}
