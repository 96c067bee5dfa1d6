package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaBroker implements MessageBroker on Apache Kafka. The consumer group
// id must be unique per gateway instance: every instance has to observe
// every event and filter by its local audience.
//
// Each Subscribe call gets its own ConsumerGroup client: a sarama group
// client serializes Consume sessions behind an internal lock, so a single
// shared client can only ever serve one topic's loop.
type KafkaBroker struct {
	brokers  []string
	groupID  string
	config   *sarama.Config
	producer sarama.SyncProducer
	log      *zap.Logger

	// newGroup is swappable in tests.
	newGroup func() (sarama.ConsumerGroup, error)

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

// NewKafkaBroker creates a Kafka-backed broker.
func NewKafkaBroker(brokers []string, groupID string, log *zap.Logger) (*KafkaBroker, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V4_0_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	b := &KafkaBroker{
		brokers:  brokers,
		groupID:  groupID,
		config:   config,
		producer: producer,
		log:      log,
	}
	b.newGroup = func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(b.brokers, b.groupID, b.config)
	}
	return b, nil
}

// Publish sends one record, keyed so all records for a room land on the same
// partition, with bounded exponential backoff on transient failures.
func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	kafkaMsg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		b.log.Warn("retrying Kafka publish",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
			zap.Duration("next_attempt_in", d))
	})
}

// Subscribe starts a consumer-group loop for one topic on a dedicated group
// client, so concurrent subscriptions never contend for a session.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	group, err := b.newGroup()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	messages := make(chan Message, 100)

	handler := &consumerGroupHandler{
		messages: messages,
		ready:    make(chan bool),
		log:      b.log,
	}

	go func() {
		defer close(messages)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Consume must be called in a loop; it returns on
				// every rebalance.
				if err := group.Consume(ctx, []string{topic}, handler); err != nil {
					b.log.Error("consumer group error", zap.String("topic", topic), zap.Error(err))
					return
				}
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.log.Error("consumer group error", zap.String("topic", topic), zap.Error(err))
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

// Close cleans up the producer and every consumer group client.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	for _, group := range b.groups {
		if err := group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	b.closed = true

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Type implements MessageBroker.
func (b *KafkaBroker) Type() string { return "kafka" }

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	messages chan<- Message
	ready    chan bool
	once     sync.Once
	log      *zap.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			select {
			case h.messages <- Message{Key: kafkaMsg.Key, Value: kafkaMsg.Value}:
			case <-session.Context().Done():
				return nil
			}

			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
