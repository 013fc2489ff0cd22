package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox()
	assert.True(t, m.post(tickEvent{}))
	assert.True(t, m.post(ackEvent{ref: AckRef{Partition: 1, Offset: 2}}))

	select {
	case <-m.notify:
	default:
		t.Fatal("expected a notification")
	}

	assert.Equal(t, []event{tickEvent{}, ackEvent{ref: AckRef{Partition: 1, Offset: 2}}}, m.drain())
	assert.Empty(t, m.drain())
}

func TestMailbox_PostAfterClose(t *testing.T) {
	m := newMailbox()
	m.post(tickEvent{})
	m.close()

	assert.False(t, m.post(tickEvent{}))
	assert.Empty(t, m.drain())
}
