package kafka

import (
	"context"

	"github.com/tnewman/topic-subscriber/pkg/broker"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer implements the broker.Producer interface for Kafka.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
}

var _ broker.Producer = (*Producer)(nil)

// NewProducer creates a new Kafka producer.
func NewProducer(seedBrokers []string, logger *zap.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seedBrokers...),
		kgo.WithLogger(newKgoLogger(logger)),
	)
	if err != nil {
		return nil, err
	}

	return &Producer{client: client, logger: logger}, nil
}

// ProduceAsync sends a message to Kafka asynchronously. The message's
// Partition is ignored; the client's partitioner picks one from the key.
func (p *Producer) ProduceAsync(ctx context.Context, message *broker.Message, callback func(*broker.ProduceReceipt, error)) {
	record := &kgo.Record{
		Topic: message.Topic,
		Key:   message.Key,
		Value: message.Value,
	}
	if len(message.Headers) > 0 {
		record.Headers = make([]kgo.RecordHeader, len(message.Headers))
		for i, h := range message.Headers {
			record.Headers[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
		}
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("Failed to produce message to Kafka", zap.Error(err), zap.String("topic", r.Topic))
		}
		if callback == nil {
			return
		}
		if err != nil {
			callback(nil, err)
			return
		}
		callback(&broker.ProduceReceipt{Partition: r.Partition, Offset: r.Offset}, nil)
	})
}

// Flush waits until every buffered message has been produced.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close shuts down the Kafka producer.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
