package bus

import (
	"context"
	"sync"
)

// Delivery is one raw message received from the backplane.
type Delivery struct {
	Topic string
	Data  []byte
}

// Backplane is the cross-process broadcast substrate. A process joins a
// topic's broadcast group on first local subscriber and leaves on last
// unsubscribe; Publish always broadcasts regardless of local subscribers.
type Backplane interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	// Deliveries yields messages for every topic this process has joined.
	Deliveries() <-chan Delivery
	Close() error
}

// Loopback is an in-process backplane for tests and single-process
// deployments. Published messages echo back through Deliveries for joined
// topics, mirroring what a broker would do.
type Loopback struct {
	mu     sync.Mutex
	joined map[string]struct{}
	ch     chan Delivery
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		joined: make(map[string]struct{}),
		ch:     make(chan Delivery, 64),
	}
}

func (l *Loopback) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if _, ok := l.joined[topic]; !ok {
		return nil
	}
	select {
	case l.ch <- Delivery{Topic: topic, Data: data}:
	default:
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joined[topic] = struct{}{}
	return nil
}

func (l *Loopback) Unsubscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.joined, topic)
	return nil
}

func (l *Loopback) Deliveries() <-chan Delivery {
	return l.ch
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	return nil
}
