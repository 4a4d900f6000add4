package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// MemoryBus is an in-process Bus. Every subscriber has a bounded queue; a
// subscriber that falls behind loses messages instead of blocking
// publishers.
type MemoryBus struct {
	mu      sync.RWMutex
	topics  map[string]map[*memorySub]struct{}
	closed  bool
	buffer  int
	dropped atomic.Uint64
	onDrop  func(topic string)
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook is called for every message dropped for a slow subscriber.
func WithDropHook(fn func(topic string)) MemoryOption {
	return func(b *MemoryBus) {
		b.onDrop = fn
	}
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		topics: make(map[string]map[*memorySub]struct{}),
		buffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

// Publish delivers payload to every current subscriber of topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.topics[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
	return nil
}

// Subscribe registers h for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	sub := &memorySub{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(h)
	return sub, nil
}

func (s *memorySub) run(h Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			h(msg)
		}
	}
}

// Close removes the subscription. Queued messages are discarded.
func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs := s.bus.topics[s.topic]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Dropped returns how many messages were dropped for slow subscribers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySub
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
