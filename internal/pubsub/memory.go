package pubsub

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-node
// deployments that run without Redis.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
	keys map[string]memoryKey
}

type memoryKey struct {
	value     string
	expiresAt time.Time
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string][]*memorySubscription),
		keys: make(map[string]memoryKey),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan string, 256),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBroker) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key] = memoryKey{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBroker) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.keys[key]; ok {
		k.expiresAt = time.Now().Add(ttl)
		b.keys[key] = k
	}
	return nil
}

func (b *MemoryBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

// Get returns the value of a live key. Used by tests to assert on the
// active-run registry.
func (b *MemoryBroker) Get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[key]
	if !ok || time.Now().After(k.expiresAt) {
		return "", false
	}
	return k.value, true
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	var all []*memorySubscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
	return nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string

	mu     sync.Mutex
	ch     chan string
	closed bool
}

func (s *memorySubscription) C() <-chan string { return s.ch }

func (s *memorySubscription) deliver(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		// Slow subscriber: drop rather than block the publisher. The
		// durable replay path covers anything missed here.
	}
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
