// Package subscriber implements a topic subscriber: it keeps one partition
// consumer running per selected partition of a topic and feeds every fetched
// message, one at a time, through a user Handler.
//
// All subscriber state lives in a single goroutine fed by an ordered event
// queue. Batches from partition consumers, acknowledgements, consumer
// terminations and internal ticks are applied one after the other, so a
// partition's messages reach the handler in offset order and at most one
// message is awaiting acknowledgement at any time.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/metrics"
)

// DefaultResubscribeInterval is how often partitions without a live consumer
// are subscribed again.
const DefaultResubscribeInterval = 2 * time.Second

// Config configures a Subscriber.
type Config struct {
	Topic string
	// Partitions selects the partitions to consume. Nil means all; a non-nil
	// empty selection is rejected.
	Partitions []int32
	Consumer   broker.ConsumerConfig

	ResubscribeInterval time.Duration
	Logger              *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = DefaultResubscribeInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}

type pendingMessage[S any] struct {
	ref    AckRef
	invoke func(S) (Result[S], error)
}

// Subscriber consumes one topic through a Handler.
type Subscriber[S any] struct {
	topic   string
	client  broker.Client
	handler Handler[S]
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	// owned by the loop goroutine
	subs        map[int32]*subscription
	state       S
	outstanding *AckRef
	pending     []pendingMessage[S]

	mailbox *mailbox
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Start initializes the handler, resolves the partition set and starts the
// subscriber loop. ctx bounds the startup calls only; the subscriber runs
// until Stop or a fatal error.
func Start[S any](ctx context.Context, client broker.Client, cfg Config, handler Handler[S], initArg any) (*Subscriber[S], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Consumer.Validate(); err != nil {
		return nil, err
	}

	committed, state, err := handler.Init(cfg.Topic, initArg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandlerInit, err)
	}

	if err := client.StartConsumerGroup(ctx, cfg.Topic, cfg.Consumer); err != nil {
		return nil, fmt.Errorf("failed to start consumers for topic %s: %w", cfg.Topic, err)
	}
	count, err := client.PartitionCount(ctx, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get partition count for topic %s: %w", cfg.Topic, err)
	}
	partitions, err := resolvePartitions(cfg.Partitions, count)
	if err != nil {
		return nil, err
	}

	subs := make(map[int32]*subscription, len(partitions))
	for _, p := range partitions {
		sub := &subscription{partition: p, status: StatusUnsubscribed}
		if offset, ok := committed[p]; ok {
			sub.ackedOffset = offset
			sub.hasAcked = true
		}
		subs[p] = sub
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Subscriber[S]{
		topic:   cfg.Topic,
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("topic", cfg.Topic)),
		now:     time.Now,
		subs:    subs,
		state:   state,
		mailbox: newMailbox(),
		ctx:     loopCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.logger.Info("Topic subscriber starting", zap.Int32s("partitions", partitions))

	go s.run()

	return s, nil
}

func resolvePartitions(requested []int32, count int32) ([]int32, error) {
	if requested == nil {
		if count <= 0 {
			return nil, fmt.Errorf("%w: topic has no partitions", ErrInvalidPartitions)
		}
		all := make([]int32, count)
		for i := range all {
			all[i] = int32(i)
		}
		return all, nil
	}

	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: empty partition selection", ErrInvalidPartitions)
	}

	partitions := slices.Clone(requested)
	slices.Sort(partitions)
	partitions = slices.Compact(partitions)
	for _, p := range partitions {
		if p < 0 || p >= count {
			return nil, fmt.Errorf("%w: partition %d outside [0, %d]", ErrInvalidPartitions, p, count-1)
		}
	}

	return partitions, nil
}

// Stop terminates the subscriber and waits for its loop to exit. Pending
// messages are dropped and no outstanding acknowledgement is waited for.
// It returns the fatal error that terminated the subscriber, if any.
func (s *Subscriber[S]) Stop() error {
	s.cancel()
	<-s.done

	return s.err
}

// Done is closed once the subscriber has terminated.
func (s *Subscriber[S]) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that terminated the subscriber. It is nil while
// the subscriber runs and after a plain Stop.
func (s *Subscriber[S]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Ack acknowledges the message at offset of partition. Acknowledging
// anything but the message currently awaiting acknowledgement is a no-op.
func (s *Subscriber[S]) Ack(partition int32, offset int64) {
	s.mailbox.post(ackEvent{ref: AckRef{Partition: partition, Offset: offset}})
}

// Deliver implements broker.Sink.
func (s *Subscriber[S]) Deliver(partition int32, msgs []*broker.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mailbox.post(deliverEvent{partition: partition, msgs: msgs})
}

// Subscriptions returns a snapshot of every subscription, ordered by
// partition.
func (s *Subscriber[S]) Subscriptions(ctx context.Context) ([]SubscriptionInfo, error) {
	reply := make(chan []SubscriptionInfo, 1)
	if !s.mailbox.post(queryEvent{reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Subscriber[S]) run() {
	defer close(s.done)
	defer s.shutdown()

	ticker := time.NewTicker(s.cfg.ResubscribeInterval)
	defer ticker.Stop()

	s.subscribePartitions()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.subscribePartitions()
		case <-s.mailbox.notify:
			for _, ev := range s.mailbox.drain() {
				if s.ctx.Err() != nil {
					return
				}
				if err := s.handleEvent(ev); err != nil {
					s.logger.Error("Topic subscriber terminating", zap.Error(err))
					s.err = err
					return
				}
			}
		}
	}
}

func (s *Subscriber[S]) shutdown() {
	s.cancel()
	s.mailbox.close()
	for _, sub := range s.subs {
		if sub.status != StatusSubscribed {
			continue
		}
		sub.unwatch()
		if err := sub.consumer.Close(); err != nil {
			s.logger.Warn("Failed to close partition consumer", zap.Int32("partition", sub.partition), zap.Error(err))
		}
	}
	metrics.PendingMessages.DeleteLabelValues(s.topic)
	s.logger.Info("Topic subscriber stopped", zap.Int("dropped_pending", len(s.pending)))
}

func (s *Subscriber[S]) handleEvent(ev event) error {
	switch ev := ev.(type) {
	case deliverEvent:
		s.enqueue(ev.partition, ev.msgs)
	case tickEvent:
		return s.processNext()
	case ackEvent:
		s.handleAck(ev.ref)
	case downEvent:
		s.handleDown(ev.consumer, ev.err)
	case queryEvent:
		ev.reply <- s.snapshot()
	default:
		s.logger.Warn("Ignoring unknown event", zap.Any("event", ev))
	}

	return nil
}

// subscribePartitions (re)subscribes every partition without a live
// consumer. Partitions already consuming are left alone.
func (s *Subscriber[S]) subscribePartitions() {
	for _, sub := range s.subs {
		if sub.alive() {
			continue
		}
		if sub.status == StatusSubscribed {
			// terminated, but its down event has not been handled yet
			sub.markDown(sub.consumer.Err(), s.now())
		}

		opts := broker.SubscribeOptions{BeginOffset: sub.beginOffset()}
		// an attempt never outlasts the retry interval
		attemptCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ResubscribeInterval)
		pc, err := s.client.Subscribe(attemptCtx, s, s.topic, sub.partition, opts)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Failed to subscribe partition, will retry",
				zap.Int32("partition", sub.partition),
				zap.Duration("retry_in", s.cfg.ResubscribeInterval),
				zap.Error(err))
			metrics.SubscribeFailures.WithLabelValues(s.topic, partitionLabel(sub.partition)).Inc()
			sub.markDown(err, s.now())
			continue
		}

		sub.markSubscribed(pc, s.watch(pc))
		fields := []zap.Field{zap.Int32("partition", sub.partition)}
		if opts.BeginOffset != nil {
			fields = append(fields, zap.Int64("begin_offset", *opts.BeginOffset))
		}
		s.logger.Info("Partition subscribed", fields...)
	}
}

// watch posts a downEvent once pc terminates, unless the returned cancel func
// is called first.
func (s *Subscriber[S]) watch(pc broker.PartitionConsumer) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		select {
		case <-pc.Done():
			s.mailbox.post(downEvent{consumer: pc, err: pc.Err()})
		case <-ctx.Done():
		}
	}()

	return cancel
}

func (s *Subscriber[S]) handleDown(pc broker.PartitionConsumer, reason error) {
	for _, sub := range s.subs {
		if sub.status != StatusSubscribed || sub.consumer != pc {
			continue
		}
		if reason == nil {
			reason = errors.New("partition consumer terminated")
		}
		s.logger.Warn("Partition consumer down", zap.Int32("partition", sub.partition), zap.Error(reason))
		metrics.ConsumersDown.WithLabelValues(s.topic, partitionLabel(sub.partition)).Inc()
		sub.markDown(reason, s.now())

		return
	}
}

func (s *Subscriber[S]) enqueue(partition int32, msgs []*broker.Message) {
	for _, msg := range msgs {
		msg := msg
		s.pending = append(s.pending, pendingMessage[S]{
			ref: AckRef{Partition: partition, Offset: msg.Offset},
			invoke: func(state S) (Result[S], error) {
				return s.handler.Handle(partition, msg, state)
			},
		})
	}
	metrics.PendingMessages.WithLabelValues(s.topic).Set(float64(len(s.pending)))
	s.mailbox.post(tickEvent{})
}

// processNext hands at most one pending message to the handler.
func (s *Subscriber[S]) processNext() error {
	if s.outstanding != nil || len(s.pending) == 0 {
		return nil
	}

	next := s.pending[0]
	s.pending[0] = pendingMessage[S]{}
	s.pending = s.pending[1:]
	metrics.PendingMessages.WithLabelValues(s.topic).Set(float64(len(s.pending)))
	metrics.MessagesDispatched.WithLabelValues(s.topic, partitionLabel(next.ref.Partition)).Inc()

	result, err := next.invoke(s.state)
	if err != nil {
		return fmt.Errorf("%w: partition %d offset %d: %w", ErrHandlerContract, next.ref.Partition, next.ref.Offset, err)
	}

	switch result.kind {
	case resultAccepted:
		ref := next.ref
		s.outstanding = &ref
		s.state = result.state
	case resultAcked:
		ref := next.ref
		s.outstanding = &ref
		s.state = result.state
		s.handleAck(ref)
	default:
		return fmt.Errorf("%w: partition %d offset %d: handler returned neither Accept nor Ack",
			ErrHandlerContract, next.ref.Partition, next.ref.Offset)
	}

	return nil
}

func (s *Subscriber[S]) handleAck(ref AckRef) {
	if s.outstanding == nil || *s.outstanding != ref {
		s.logger.Debug("Ignoring stale ack", zap.Int32("partition", ref.Partition), zap.Int64("offset", ref.Offset))
		metrics.StaleAcks.WithLabelValues(s.topic).Inc()
		return
	}

	sub, ok := s.subs[ref.Partition]
	if ok && sub.status == StatusSubscribed {
		if err := sub.consumer.CommitOffset(s.ctx, ref.Offset); err != nil {
			s.logger.Warn("Failed to commit offset",
				zap.Int32("partition", ref.Partition), zap.Int64("offset", ref.Offset), zap.Error(err))
		}
		sub.ackedOffset = ref.Offset
		sub.hasAcked = true
		metrics.AcksCommitted.WithLabelValues(s.topic, partitionLabel(ref.Partition)).Inc()
	} else {
		metrics.AcksDropped.WithLabelValues(s.topic, partitionLabel(ref.Partition)).Inc()
	}

	s.outstanding = nil
	if len(s.pending) > 0 {
		s.mailbox.post(tickEvent{})
	}
}

func (s *Subscriber[S]) snapshot() []SubscriptionInfo {
	infos := make([]SubscriptionInfo, 0, len(s.subs))
	for _, sub := range s.subs {
		infos = append(infos, sub.info())
	}
	slices.SortFunc(infos, func(a, b SubscriptionInfo) int {
		return int(a.Partition) - int(b.Partition)
	})

	return infos
}

func partitionLabel(p int32) string {
	return strconv.FormatInt(int64(p), 10)
}
