package cluster

import (
	"context"
	"sync"
)

// Handler receives one published payload. Handlers must not block for long:
// MemoryBus calls them synchronously from Publish and RedisBus calls them
// from a single delivery goroutine per subscription.
type Handler func(payload []byte)

// Subscription is an active channel subscription
type Subscription interface {
	Close() error
}

// Bus is the broadcast substrate shared by every node. A payload published
// on a channel reaches every subscriber of that channel on every node,
// including subscribers on the publishing node.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// MemoryBus is an in-process Bus. Delivery is synchronous and ordered, which
// keeps multi-node tests deterministic.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	handler Handler
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.channel], s)
	return nil
}

// Publish delivers payload to every current subscriber of channel before
// returning. Each subscriber gets its own copy.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		h(cp)
	}
	return nil
}

// Subscribe registers handler for channel
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{bus: b, channel: channel, handler: handler}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}
