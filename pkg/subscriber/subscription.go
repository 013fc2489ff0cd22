package subscriber

import (
	"context"
	"time"

	"github.com/tnewman/topic-subscriber/pkg/broker"
)

// Status is the state of the partition consumer behind a subscription.
type Status int

const (
	StatusUnsubscribed Status = iota
	StatusSubscribed
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUnsubscribed:
		return "unsubscribed"
	case StatusSubscribed:
		return "subscribed"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// AckRef identifies the message a handler owes an acknowledgement for.
type AckRef struct {
	Partition int32
	Offset    int64
}

// subscription is owned by the subscriber loop; nothing else touches it.
type subscription struct {
	partition int32
	status    Status

	consumer broker.PartitionConsumer
	unwatch  context.CancelFunc

	downReason error
	downSince  time.Time

	ackedOffset int64
	hasAcked    bool
}

func (s *subscription) alive() bool {
	if s.status != StatusSubscribed {
		return false
	}
	select {
	case <-s.consumer.Done():
		return false
	default:
		return true
	}
}

func (s *subscription) beginOffset() *int64 {
	if !s.hasAcked {
		return nil
	}
	begin := s.ackedOffset + 1

	return &begin
}

func (s *subscription) markSubscribed(pc broker.PartitionConsumer, unwatch context.CancelFunc) {
	s.status = StatusSubscribed
	s.consumer = pc
	s.unwatch = unwatch
	s.downReason = nil
	s.downSince = time.Time{}
}

func (s *subscription) markDown(reason error, now time.Time) {
	if s.unwatch != nil {
		s.unwatch()
	}
	s.status = StatusDown
	s.consumer = nil
	s.unwatch = nil
	s.downReason = reason
	s.downSince = now
}

// SubscriptionInfo is a snapshot of one subscription.
type SubscriptionInfo struct {
	Partition   int32
	Status      Status
	DownReason  error
	DownSince   time.Time
	AckedOffset int64
	HasAcked    bool
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		Partition:   s.partition,
		Status:      s.status,
		DownReason:  s.downReason,
		DownSince:   s.downSince,
		AckedOffset: s.ackedOffset,
		HasAcked:    s.hasAcked,
	}
}
