package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements MessageBroker on Redis pub/sub. It is the
// lightweight single-channel alternative to Kafka: there is no partitioning,
// but a single Redis channel is totally ordered, which subsumes the per-room
// guarantee. The client is shared with the state store and not closed here.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a Redis-backed broker on an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish writes one record. The partition key is carried only for interface
// parity; Redis pub/sub has no partitions.
func (b *RedisBroker) Publish(ctx context.Context, topic, _ string, value []byte) error {
	return b.client.Publish(ctx, topic, value).Err()
}

// Subscribe delivers channel messages until ctx is cancelled.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		channel := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-channel:
				if !ok {
					return
				}
				select {
				case messages <- Message{Value: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

// Type implements MessageBroker.
func (b *RedisBroker) Type() string { return "redis" }
