// Package broker bridges the gateway onto the shared ordered event bus.
// Commands are published onto per-domain topics keyed by room id, so the bus
// guarantees per-room ordering; result events are consumed from event topics
// and handed back to the gateway for fan-out.
package broker

import "context"

// Message is one record consumed from a topic. Key is the partition key
// (room id) when the transport supports one.
type Message struct {
	Key   []byte
	Value []byte
}

// MessageBroker abstracts the event bus transport.
type MessageBroker interface {
	// Publish writes one record. The key selects the partition; records
	// sharing a key are delivered in order.
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Subscribe starts a consumer loop for the topic and delivers records
	// in partition order until ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	// Close releases transport resources.
	Close() error
	// Type names the transport for logs and metrics.
	Type() string
}
