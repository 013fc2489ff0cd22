package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/metrics"
)

// PartitionConsumer implements the broker.PartitionConsumer interface for Kafka.
// It owns a franz-go client consuming exactly one partition.
type PartitionConsumer struct {
	client    *kgo.Client
	admin     *kadm.Client
	logger    *zap.Logger
	sink      broker.Sink
	topic     string
	partition int32
	cfg       broker.ConsumerConfig

	mu      sync.Mutex
	offsets offsetWindow

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

var _ broker.PartitionConsumer = (*PartitionConsumer)(nil)

type partitionConsumerParams struct {
	seedBrokers []string
	clientID    string
	topic       string
	partition   int32
	begin       *int64
	cfg         broker.ConsumerConfig
	sink        broker.Sink
	logger      *zap.Logger
}

// startPartitionConsumer creates the franz-go client, checks that the cluster
// is reachable and starts the poll loop.
func startPartitionConsumer(ctx context.Context, p partitionConsumerParams) (*PartitionConsumer, error) {
	cfg := p.cfg.WithDefaults()

	reset := kgo.NewOffset().AtEnd()
	if cfg.BeginOffset == broker.OffsetEarliest {
		reset = kgo.NewOffset().AtStart()
	}
	start := reset
	if p.begin != nil {
		start = kgo.NewOffset().At(*p.begin)
	}

	logger := p.logger.With(zap.String("topic", p.topic), zap.Int32("partition", p.partition))
	opts := []kgo.Opt{
		kgo.SeedBrokers(p.seedBrokers...),
		kgo.ClientID(p.clientID),
		kgo.WithLogger(newKgoLogger(logger)),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			p.topic: {p.partition: start},
		}),
		kgo.ConsumeResetOffset(reset),
		kgo.FetchMaxWait(cfg.MaxWait),
		kgo.FetchMaxBytes(cfg.MaxBytes),
		kgo.FetchMaxPartitionBytes(cfg.MaxBytes),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka cluster: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pc := &PartitionConsumer{
		client:    client,
		admin:     kadm.NewClient(client),
		logger:    logger,
		sink:      p.sink,
		topic:     p.topic,
		partition: p.partition,
		cfg:       cfg,
		offsets:   offsetWindow{limit: cfg.PrefetchCount},
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go pc.run(runCtx)

	return pc, nil
}

// Partition returns the consumed partition.
func (pc *PartitionConsumer) Partition() int32 {
	return pc.partition
}

func (pc *PartitionConsumer) run(ctx context.Context) {
	defer close(pc.done)
	defer pc.client.Close()

	commitCtx, stopCommit := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if pc.cfg.Group != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc.startCommitLoop(commitCtx)
		}()
	}

	err := pc.poll(ctx)
	stopCommit()
	wg.Wait()

	if pc.cfg.Group != "" {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pc.doCommit(flushCtx)
		cancel()
	}

	if err != nil {
		pc.logger.Error("Partition consumer terminated", zap.Error(err))
		pc.err = err
	}
}

// poll fetches until ctx is canceled or a non-retriable error occurs.
func (pc *PartitionConsumer) poll(ctx context.Context) error {
	label := strconv.FormatInt(int64(pc.partition), 10)
	for {
		fetches := pc.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			var dataLoss *kgo.ErrDataLoss
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.As(err, &dataLoss):
				pc.logger.Warn("Kafka reported data loss, continuing", zap.Error(err))
				return
			case kerr.IsRetriable(err):
				pc.logger.Warn("Retriable error polling Kafka record", zap.Error(err))
				return
			}
			pc.logger.Error("Error polling Kafka record", zap.Error(err), zap.String("topic", topic), zap.Int32("partition", partition))
			if fatal == nil {
				fatal = err
			}
		})
		if fatal != nil {
			return fatal
		}

		var msgs []*broker.Message
		fetches.EachRecord(func(record *kgo.Record) {
			msgs = append(msgs, toMessage(record))
		})
		if len(msgs) == 0 {
			continue
		}

		pc.track(msgs)
		metrics.FetchedRecords.WithLabelValues(pc.topic, label).Add(float64(len(msgs)))
		pc.sink.Deliver(pc.partition, msgs)
	}
}

func toMessage(record *kgo.Record) *broker.Message {
	msg := &broker.Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}
	if len(record.Headers) > 0 {
		msg.Headers = make([]broker.Header, len(record.Headers))
		for i, h := range record.Headers {
			msg.Headers[i] = broker.Header{Key: h.Key, Value: h.Value}
		}
	}

	return msg
}

// track records delivered offsets and pauses fetching once more than
// PrefetchCount messages are unacknowledged.
func (pc *PartitionConsumer) track(msgs []*broker.Message) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, msg := range msgs {
		if pc.offsets.track(msg.Offset) {
			pc.client.PauseFetchPartitions(map[string][]int32{pc.topic: {pc.partition}})
			pc.logger.Info("Kafka partition paused due to exceeding unacked message limit", zap.Int("unacked_count", len(pc.offsets.unacked)))
		}
	}
}

// CommitOffset marks every delivered message up to offset as processed.
// Offsets are flushed to the consumer group in the background.
func (pc *PartitionConsumer) CommitOffset(_ context.Context, offset int64) error {
	select {
	case <-pc.done:
		return ErrConsumerClosed
	default:
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.offsets.ack(offset) {
		pc.client.ResumeFetchPartitions(map[string][]int32{pc.topic: {pc.partition}})
		pc.logger.Info("Kafka partition resumed due to unacked message count falling below limit", zap.Int("unacked_count", len(pc.offsets.unacked)))
	}

	return nil
}

// startCommitLoop periodically commits the acknowledged offset.
func (pc *PartitionConsumer) startCommitLoop(ctx context.Context) {
	timer := time.NewTimer(pc.cfg.CommitInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			pc.doCommit(ctx)
			timer.Reset(pc.cfg.CommitInterval)
		}
	}
}

// doCommit commits the offset following the last acknowledged message.
func (pc *PartitionConsumer) doCommit(ctx context.Context) {
	pc.mu.Lock()
	next, ok := pc.offsets.commitTarget()
	pc.mu.Unlock()
	if !ok {
		return
	}

	offsets := make(kadm.Offsets)
	offsets.Add(kadm.Offset{Topic: pc.topic, Partition: pc.partition, At: next, LeaderEpoch: -1})

	resps, err := pc.admin.CommitOffsets(ctx, pc.cfg.Group, offsets)
	if err == nil {
		err = resps.Error()
	}
	if err != nil {
		metrics.OffsetCommits.WithLabelValues(pc.cfg.Group, pc.topic, "error").Inc()
		pc.logger.Error("Failed to commit Kafka offsets", zap.String("group", pc.cfg.Group), zap.Int64("offset", next), zap.Error(err))
		return
	}

	pc.mu.Lock()
	pc.offsets.markCommitted(next)
	pc.mu.Unlock()
	metrics.OffsetCommits.WithLabelValues(pc.cfg.Group, pc.topic, "ok").Inc()
	pc.logger.Debug("Committed Kafka offset", zap.String("group", pc.cfg.Group), zap.Int64("offset", next))
}

// Done is closed when the poll loop has exited.
func (pc *PartitionConsumer) Done() <-chan struct{} {
	return pc.done
}

// Err returns the error that terminated the consumer.
func (pc *PartitionConsumer) Err() error {
	select {
	case <-pc.done:
		return pc.err
	default:
		return nil
	}
}

// Close stops polling, flushes the acknowledged offset and waits for the
// consumer to exit.
func (pc *PartitionConsumer) Close() error {
	pc.closeOnce.Do(pc.cancel)
	<-pc.done

	return nil
}

// offsetWindow tracks delivered and acknowledged offsets of one partition.
type offsetWindow struct {
	limit     int
	unacked   []int64 // delivered offsets not yet acknowledged, ascending
	paused    bool
	acked     int64
	hasAcked  bool
	committed int64 // next offset last committed to the group
}

// track records a delivered offset and reports whether fetching must pause.
func (w *offsetWindow) track(offset int64) bool {
	w.unacked = append(w.unacked, offset)
	if len(w.unacked) > w.limit && !w.paused {
		w.paused = true
		return true
	}

	return false
}

// ack drops every delivered offset up to offset and reports whether fetching
// may resume. Acks at or below the last one are ignored.
func (w *offsetWindow) ack(offset int64) bool {
	if w.hasAcked && offset <= w.acked {
		return false
	}
	w.acked = offset
	w.hasAcked = true

	n := 0
	for n < len(w.unacked) && w.unacked[n] <= offset {
		n++
	}
	w.unacked = w.unacked[n:]

	if w.paused && len(w.unacked) <= w.limit {
		w.paused = false
		return true
	}

	return false
}

// commitTarget returns the next offset to commit, if it moved past the last
// commit.
func (w *offsetWindow) commitTarget() (int64, bool) {
	if !w.hasAcked || w.acked+1 <= w.committed {
		return 0, false
	}

	return w.acked + 1, true
}

func (w *offsetWindow) markCommitted(next int64) {
	if next > w.committed {
		w.committed = next
	}
}
