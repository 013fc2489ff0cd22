package subscriber

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc_kafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/broker/kafka"
	"github.com/tnewman/topic-subscriber/pkg/subscriber"
)

const (
	topic = "test-subscriber-topic"
	group = "test-subscriber-group"
)

// collector acknowledges every message synchronously and records it.
type collector struct {
	client *kafka.Client

	mu       sync.Mutex
	received map[int32][]int64
	values   []string
}

func (c *collector) Init(topic string, _ any) (map[int32]int64, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	committed, err := c.client.CommittedOffsets(ctx, group, topic)
	return committed, 0, err
}

func (c *collector) Handle(partition int32, msg *broker.Message, n int) (subscriber.Result[int], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received[partition] = append(c.received[partition], msg.Offset)
	c.values = append(c.values, string(msg.Value))

	return subscriber.Ack(n + 1), nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

func startKafka(t *testing.T, ctx context.Context) []string {
	t.Helper()
	kafkaContainer, err := tc_kafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tc_kafka.WithClusterID("test-cluster"))
	require.NoError(t, err, "failed to start kafka container")
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	seeds, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "failed to get kafka seed brokers")

	return seeds
}

func createTopic(t *testing.T, ctx context.Context, seeds []string, partitions int32) {
	t.Helper()
	kcl, err := kgo.NewClient(kgo.SeedBrokers(seeds...))
	require.NoError(t, err)
	defer kcl.Close()

	resp, err := kadm.NewClient(kcl).CreateTopic(ctx, partitions, 1, nil, topic)
	require.NoError(t, err, fmt.Sprintf("failed to create topic %s", topic))
	require.NoError(t, resp.Err)
}

func produce(t *testing.T, ctx context.Context, producer *kafka.Producer, values ...string) {
	t.Helper()
	var wg sync.WaitGroup
	for i, v := range values {
		wg.Add(1)
		msg := &broker.Message{Topic: topic, Key: []byte(fmt.Sprintf("key-%d", i)), Value: []byte(v)}
		producer.ProduceAsync(ctx, msg, func(_ *broker.ProduceReceipt, err error) {
			defer wg.Done()
			assert.NoError(t, err)
		})
	}
	require.NoError(t, producer.Flush(ctx))
	wg.Wait()
}

func startSubscriber(t *testing.T, ctx context.Context, client *kafka.Client, h *collector, logger *zap.Logger) *subscriber.Subscriber[int] {
	t.Helper()
	sub, err := subscriber.Start[int](ctx, client, subscriber.Config{
		Topic: topic,
		Consumer: broker.ConsumerConfig{
			Group:          group,
			BeginOffset:    broker.OffsetEarliest,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 500 * time.Millisecond,
		},
		Logger: logger,
	}, h, nil)
	require.NoError(t, err)

	return sub
}

func TestSubscriber_ConsumesAndResumes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	seeds := startKafka(t, ctx)
	createTopic(t, ctx, seeds, 2)
	logger := zaptest.NewLogger(t)

	client, err := kafka.NewClient(kafka.Config{SeedBrokers: seeds, Logger: logger})
	require.NoError(t, err)
	defer client.Close()

	producer, err := kafka.NewProducer(seeds, logger)
	require.NoError(t, err)
	defer producer.Close()

	produce(t, ctx, producer, "a", "b", "c", "d", "e", "f")

	first := &collector{client: client, received: make(map[int32][]int64)}
	sub := startSubscriber(t, ctx, client, first, logger)
	require.Eventually(t, func() bool { return first.count() == 6 }, time.Minute, 100*time.Millisecond)

	infos, err := sub.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, subscriber.StatusSubscribed, info.Status)
	}
	require.NoError(t, sub.Stop())

	first.mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, first.values)
	for p, offsets := range first.received {
		assert.IsIncreasing(t, offsets, "partition %d out of order", p)
	}
	first.mu.Unlock()

	// acknowledged offsets were committed on close, so a new subscriber
	// only sees what is produced afterwards
	committed, err := client.CommittedOffsets(ctx, group, topic)
	require.NoError(t, err)
	total := 0
	for _, off := range committed {
		total += int(off) + 1
	}
	assert.Equal(t, 6, total)

	second := &collector{client: client, received: make(map[int32][]int64)}
	sub = startSubscriber(t, ctx, client, second, logger)
	defer sub.Stop()

	produce(t, ctx, producer, "g")
	require.Eventually(t, func() bool { return second.count() == 1 }, time.Minute, 100*time.Millisecond)
	second.mu.Lock()
	assert.Equal(t, []string{"g"}, second.values)
	second.mu.Unlock()
}
