package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process MessageBroker for tests and single-instance
// local runs. It records everything published so tests can assert that a
// rejected command produced no bus traffic.
type MemoryBroker struct {
	mu          sync.Mutex
	subscribers map[string][]chan Message
	published   map[string][]Message
	dropped     int
	closed      bool
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subscribers: make(map[string][]chan Message),
		published:   make(map[string][]Message),
	}
}

// Publish fans the record out to current subscribers and records it. A
// subscriber with a full buffer loses the record instead of blocking the
// publisher while the lock is held.
func (b *MemoryBroker) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{Key: []byte(key), Value: value}
	b.published[topic] = append(b.published[topic], msg)
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
		default:
			b.dropped++
		}
	}
	return nil
}

// Subscribe registers a buffered subscriber channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, 100)
	b.subscribers[topic] = append(b.subscribers[topic], ch)

	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

// Dropped reports how many records were lost to full subscriber buffers.
func (b *MemoryBroker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Published returns a snapshot of everything published to a topic.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Close marks the broker closed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Type implements MessageBroker.
func (b *MemoryBroker) Type() string { return "memory" }
