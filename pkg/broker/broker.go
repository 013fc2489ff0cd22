package broker

import (
	"context"
	"fmt"
	"time"
)

// Header represents a single key-value pair in a message header.
type Header struct {
	Key   string
	Value []byte
}

// Message is a broker-agnostic representation of a fetched message.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// ProduceReceipt is the result of a produce operation.
type ProduceReceipt struct {
	Partition int32
	Offset    int64
}

// Producer is the interface for producing messages to a broker.
type Producer interface {
	// ProduceAsync sends a message to the broker asynchronously.
	// The callback is invoked with the receipt or an error when the message is produced.
	ProduceAsync(ctx context.Context, message *Message, callback func(*ProduceReceipt, error))
	// Close shuts down the producer.
	Close() error
}

// Sink receives batches pushed by partition consumers. Deliver must not
// block the caller for longer than it takes to enqueue the batch.
type Sink interface {
	Deliver(partition int32, msgs []*Message)
}

// PartitionConsumer is an independently running worker fetching one
// partition of one topic and pushing batches to a Sink.
type PartitionConsumer interface {
	Partition() int32

	// CommitOffset records that every message up to and including offset
	// has been processed.
	CommitOffset(ctx context.Context, offset int64) error

	// Done is closed once the consumer has terminated, for whatever reason.
	Done() <-chan struct{}
	// Err reports why the consumer terminated. It is nil while the consumer
	// runs and after a Close requested by the owner.
	Err() error

	Close() error
}

// SubscribeOptions tunes a single Subscribe call.
type SubscribeOptions struct {
	// BeginOffset is the first offset to deliver. Nil means the consumer
	// configuration's reset policy decides.
	BeginOffset *int64
}

// Client is the broker client a topic subscriber is built on.
type Client interface {
	// StartConsumerGroup registers the consumer configuration for topic.
	// Subscribe for a topic that was never started fails.
	StartConsumerGroup(ctx context.Context, topic string, cfg ConsumerConfig) error

	// PartitionCount returns the number of partitions of topic.
	PartitionCount(ctx context.Context, topic string) (int32, error)

	// Subscribe starts a partition consumer pushing into sink.
	Subscribe(ctx context.Context, sink Sink, topic string, partition int32, opts SubscribeOptions) (PartitionConsumer, error)
}

// OffsetReset decides where a partition consumer starts when no begin offset
// is given.
type OffsetReset string

const (
	OffsetEarliest OffsetReset = "earliest"
	OffsetLatest   OffsetReset = "latest"
)

// ConsumerConfig configures the partition consumers of one topic.
type ConsumerConfig struct {
	// Group names the consumer group acknowledged offsets are committed to.
	// Empty disables broker-side commits.
	Group string

	// BeginOffset is the reset policy used when Subscribe has no begin offset.
	BeginOffset OffsetReset

	// PrefetchCount is the number of delivered but unacknowledged messages
	// after which fetching is paused.
	PrefetchCount int

	MaxWait  time.Duration
	MaxBytes int32

	// CommitInterval is how often acknowledged offsets are flushed to the group.
	CommitInterval time.Duration
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.BeginOffset == "" {
		c.BeginOffset = OffsetLatest
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 10
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 20
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = 5 * time.Second
	}

	return c
}

// Validate reports configuration values that can not be defaulted.
func (c ConsumerConfig) Validate() error {
	switch c.BeginOffset {
	case "", OffsetEarliest, OffsetLatest:
	default:
		return fmt.Errorf("invalid begin offset policy %q", c.BeginOffset)
	}

	return nil
}
