package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConsumerGroup mirrors the sarama group client's behavior: Consume
// holds an internal lock for the whole session, so a second concurrent
// Consume on the same client blocks before the handler's Setup runs.
type fakeConsumerGroup struct {
	mu     sync.Mutex
	errs   chan error
	closed bool
}

func newFakeConsumerGroup() *fakeConsumerGroup {
	return &fakeConsumerGroup{errs: make(chan error)}
}

func (g *fakeConsumerGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := handler.Setup(nil); err != nil {
		return err
	}
	<-ctx.Done()
	return handler.Cleanup(nil)
}

func (g *fakeConsumerGroup) Errors() <-chan error { return g.errs }

func (g *fakeConsumerGroup) Close() error {
	g.closed = true
	close(g.errs)
	return nil
}

func (g *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (g *fakeConsumerGroup) Resume(map[string][]int32) {}
func (g *fakeConsumerGroup) PauseAll()                 {}
func (g *fakeConsumerGroup) ResumeAll()                {}

func newTestKafkaBroker(groups *[]*fakeConsumerGroup) *KafkaBroker {
	b := &KafkaBroker{
		groupID: "test-group",
		log:     zap.NewNop(),
	}
	b.newGroup = func() (sarama.ConsumerGroup, error) {
		g := newFakeConsumerGroup()
		*groups = append(*groups, g)
		return g, nil
	}
	return b
}

// Every Subscribe must come up on its own group client; session-serialized
// clients make a shared one unable to serve a second topic.
func TestSubscribeUsesDedicatedGroupPerTopic(t *testing.T) {
	var groups []*fakeConsumerGroup
	b := newTestKafkaBroker(&groups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 2)
	for _, topic := range []string{"game.events", "chat.events"} {
		topic := topic
		go func() {
			_, err := b.Subscribe(ctx, topic)
			done <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("subscribe did not become ready; topics are contending for one group session")
		}
	}
	assert.Len(t, groups, 2)
}

func TestCloseShutsDownEveryGroup(t *testing.T) {
	var groups []*fakeConsumerGroup
	b := newTestKafkaBroker(&groups)
	b.producer = mocks.NewSyncProducer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Subscribe(ctx, "game.events")
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "chat.events")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.True(t, g.closed)
	}

	_, err = b.Subscribe(ctx, "game.commands")
	assert.Error(t, err)
}
