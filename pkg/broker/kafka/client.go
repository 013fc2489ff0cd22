package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/tnewman/topic-subscriber/pkg/broker"
)

// Config configures a Client.
type Config struct {
	SeedBrokers []string
	// ClientID prefixes the client id of every connection. A random instance
	// suffix is appended.
	ClientID    string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Client implements the broker.Client interface for Kafka.
//
// Metadata requests go over a single pipelined Conn to one of the seed
// brokers; every subscribed partition gets its own franz-go client.
type Client struct {
	seedBrokers []string
	clientID    string
	dialTimeout time.Duration
	logger      *zap.Logger

	admin *kadm.Client
	kcl   *kgo.Client

	mu        sync.Mutex
	conn      *Conn
	consumers map[string]broker.ConsumerConfig
}

var _ broker.Client = (*Client)(nil)

// NewClient creates a new Kafka client. No connection is made until the
// first request.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.SeedBrokers) == 0 {
		return nil, ErrNoSeedBrokers
	}
	if cfg.ClientID == "" {
		cfg.ClientID = softwareName
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	clientID := cfg.ClientID + "-" + uuid.NewString()[:8]

	kcl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ClientID(clientID),
		kgo.WithLogger(newKgoLogger(cfg.Logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Client{
		seedBrokers: cfg.SeedBrokers,
		clientID:    clientID,
		dialTimeout: cfg.DialTimeout,
		logger:      cfg.Logger.With(zap.String("client_id", clientID)),
		admin:       kadm.NewClient(kcl),
		kcl:         kcl,
		consumers:   make(map[string]broker.ConsumerConfig),
	}, nil
}

// StartConsumerGroup registers the consumer configuration for topic.
func (c *Client) StartConsumerGroup(_ context.Context, topic string, cfg broker.ConsumerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[topic] = cfg.WithDefaults()
	c.logger.Info("Consumer configuration registered", zap.String("topic", topic), zap.String("group", cfg.Group))

	return nil
}

// PartitionCount asks a seed broker for the topic's metadata.
func (c *Client) PartitionCount(ctx context.Context, topic string) (int32, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return 0, err
	}

	req := kmsg.NewPtrMetadataRequest()
	t := kmsg.NewMetadataRequestTopic()
	t.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, t)
	req.AllowAutoTopicCreation = false

	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("metadata request failed: %w", err)
	}
	resp := kresp.(*kmsg.MetadataResponse)

	return partitionCount(resp, topic)
}

func partitionCount(resp *kmsg.MetadataResponse, topic string) (int32, error) {
	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return 0, fmt.Errorf("metadata for topic %s: %w", topic, err)
		}
		return int32(len(t.Partitions)), nil
	}

	return 0, fmt.Errorf("metadata for topic %s: %w", topic, kerr.UnknownTopicOrPartition)
}

// connection returns the cached broker connection, dialing the seed brokers
// in order when there is none or it has failed.
func (c *Client) connection(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Err() == nil {
		return c.conn, nil
	}
	c.conn = nil

	var errs []error
	for _, addr := range c.seedBrokers {
		conn, err := Dial(ctx, addr, ConnConfig{
			ClientID:    c.clientID,
			DialTimeout: c.dialTimeout,
			Logger:      c.logger,
		})
		if err != nil {
			c.logger.Warn("Failed to connect to seed broker", zap.String("broker", addr), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		c.conn = conn
		return conn, nil
	}

	return nil, fmt.Errorf("no seed broker reachable: %w", errors.Join(errs...))
}

// Subscribe starts a partition consumer delivering into sink.
func (c *Client) Subscribe(ctx context.Context, sink broker.Sink, topic string, partition int32, opts broker.SubscribeOptions) (broker.PartitionConsumer, error) {
	c.mu.Lock()
	cfg, ok := c.consumers[topic]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConsumerNotStarted, topic)
	}

	return startPartitionConsumer(ctx, partitionConsumerParams{
		seedBrokers: c.seedBrokers,
		clientID:    fmt.Sprintf("%s-%s-%d", c.clientID, topic, partition),
		topic:       topic,
		partition:   partition,
		begin:       opts.BeginOffset,
		cfg:         cfg,
		sink:        sink,
		logger:      c.logger,
	})
}

// CommittedOffsets returns, per partition of topic, the last offset the group
// acknowledged. Partitions without a commit are absent.
func (c *Client) CommittedOffsets(ctx context.Context, group, topic string) (map[int32]int64, error) {
	resps, err := c.admin.FetchOffsets(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offsets for group %s: %w", group, err)
	}

	committed := make(map[int32]int64)
	var fetchErr error
	resps.Each(func(o kadm.OffsetResponse) {
		if o.Topic != topic {
			return
		}
		if o.Err != nil {
			fetchErr = errors.Join(fetchErr, o.Err)
			return
		}
		if o.At > 0 {
			committed[o.Partition] = o.At - 1
		}
	})
	if fetchErr != nil {
		return nil, fmt.Errorf("failed to fetch offsets for group %s: %w", group, fetchErr)
	}

	return committed, nil
}

// Close closes the metadata connection and the admin client. Partition
// consumers are closed by their owners.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.kcl.Close()

	return nil
}
