package subscriber

import (
	"sync"

	"github.com/tnewman/topic-subscriber/pkg/broker"
)

type event interface{}

type deliverEvent struct {
	partition int32
	msgs      []*broker.Message
}

type tickEvent struct{}

type ackEvent struct {
	ref AckRef
}

type downEvent struct {
	consumer broker.PartitionConsumer
	err      error
}

type queryEvent struct {
	reply chan []SubscriptionInfo
}

// mailbox is an unbounded FIFO of events. Posting never blocks, so partition
// consumers and ack callers are never held up by a slow handler.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post appends ev and reports whether the mailbox still accepts events.
func (m *mailbox) post(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return true
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil

	return q
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
}
