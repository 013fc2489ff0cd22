package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/subscriber"
)

type offsetFetcher interface {
	CommittedOffsets(ctx context.Context, group, topic string) (map[int32]int64, error)
}

// logHandler logs every message and hands it to the ack worker. Its state is
// the number of messages handled so far.
type logHandler struct {
	offsets offsetFetcher
	group   string
	acks    chan<- subscriber.AckRef
	logger  *zap.Logger
}

var _ subscriber.Handler[int64] = (*logHandler)(nil)

// Init resumes from the group's committed offsets.
func (h *logHandler) Init(topic string, _ any) (map[int32]int64, int64, error) {
	if h.group == "" {
		return nil, 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	committed, err := h.offsets.CommittedOffsets(ctx, h.group, topic)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read committed offsets: %w", err)
	}
	h.logger.Info("Resuming from committed offsets", zap.String("group", h.group), zap.Any("offsets", committed))

	return committed, 0, nil
}

func (h *logHandler) Handle(partition int32, msg *broker.Message, handled int64) (subscriber.Result[int64], error) {
	h.logger.Info("Message received",
		zap.Int32("partition", partition),
		zap.Int64("offset", msg.Offset),
		zap.ByteString("key", msg.Key),
		zap.ByteString("value", msg.Value),
		zap.Int64("handled", handled+1),
	)
	// at most one message is outstanding, so the send never blocks
	h.acks <- subscriber.AckRef{Partition: partition, Offset: msg.Offset}

	return subscriber.Accept(handled + 1), nil
}

type acker interface {
	Ack(partition int32, offset int64)
	Done() <-chan struct{}
}

// ackWorker acknowledges accepted messages off the subscriber loop.
func ackWorker(sub acker, acks <-chan subscriber.AckRef) {
	for {
		select {
		case <-sub.Done():
			return
		case ref := <-acks:
			sub.Ack(ref.Partition, ref.Offset)
		}
	}
}
