package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE, shared by every gateway
// instance pointed at the same server.
type RedisBus struct {
	client redis.UniversalClient
	logger pslog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus wraps an existing client. The caller keeps ownership of the
// client.
func NewRedisBus(client redis.UniversalClient, logger pslog.Logger) *RedisBus {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	return &RedisBus{client: client, logger: logger, subs: make(map[*redisSub]struct{})}
}

// Publish sends payload on topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before
// returning, so a Publish issued afterwards is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &redisSub{bus: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.err = s.ps.Close()
	})
	return s.err
}

// Close ends every subscription opened through the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			b.logger.Debug("redis subscription close failed", "err", err)
		}
	}
	return nil
}
