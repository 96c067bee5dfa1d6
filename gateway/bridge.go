package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/protocol"
)

// Bridge consumes event topics and fans each event out to the local clients
// in the event's room. Every instance consumes every event under its own
// consumer group and filters by local audience; an instance with no clients
// in the room simply drops the record.
type Bridge struct {
	manager *Manager
	broker  broker.MessageBroker
	topics  []string
	log     *zap.Logger
}

// NewBridge creates a Bridge over the given event topics.
func NewBridge(manager *Manager, mb broker.MessageBroker, topics []string, log *zap.Logger) *Bridge {
	return &Bridge{
		manager: manager,
		broker:  mb,
		topics:  topics,
		log:     log,
	}
}

// Run subscribes to every event topic and pumps records until ctx is
// cancelled. It blocks; callers run it in a goroutine per instance.
func (b *Bridge) Run(ctx context.Context) error {
	for _, topic := range b.topics {
		messages, err := b.broker.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go b.pump(ctx, topic, messages)
	}
	<-ctx.Done()
	return nil
}

func (b *Bridge) pump(ctx context.Context, topic string, messages <-chan broker.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			metrics.BrokerMessagesConsumed.WithLabelValues(b.broker.Type(), topic).Inc()
			b.dispatch(ctx, topic, msg.Value)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, topic string, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		// Bad bus records are logged and skipped; one malformed event must
		// not wedge the consumer.
		b.log.Warn("dropping undecodable bus event", zap.String("topic", topic), zap.Error(err))
		return
	}

	roomID := protocol.RoomOf(frame)
	if roomID == "" {
		b.log.Warn("dropping bus event without room correlation",
			zap.String("topic", topic), zap.String("frame_type", frame.FrameType()))
		return
	}

	audience := b.manager.LocalAudience(ctx, roomID)
	for _, client := range audience {
		client.Enqueue(frame)
	}
	if len(audience) > 0 {
		b.log.Debug("event fanned out",
			zap.String("frame_type", frame.FrameType()),
			zap.String("room_id", roomID),
			zap.Int("audience", len(audience)))
	}
}
