package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tnewman/topic-subscriber/pkg/broker"
)

func TestOffsetWindow_PausesAboveLimit(t *testing.T) {
	w := offsetWindow{limit: 2}

	assert.False(t, w.track(10))
	assert.False(t, w.track(11))
	assert.True(t, w.track(12), "third unacked offset exceeds the limit")
	assert.False(t, w.track(13), "already paused")
	assert.Equal(t, []int64{10, 11, 12, 13}, w.unacked)
}

func TestOffsetWindow_AckPrunesAndResumes(t *testing.T) {
	w := offsetWindow{limit: 2}
	for _, o := range []int64{10, 11, 12, 13} {
		w.track(o)
	}
	assert.True(t, w.paused)

	assert.False(t, w.ack(10), "three unacked left, still above the limit")
	assert.Equal(t, []int64{11, 12, 13}, w.unacked)

	assert.True(t, w.ack(11))
	assert.Equal(t, []int64{12, 13}, w.unacked)
	assert.False(t, w.paused)

	// stale ack changes nothing
	assert.False(t, w.ack(11))
	assert.False(t, w.ack(5))
	assert.Equal(t, int64(11), w.acked)
	assert.Equal(t, []int64{12, 13}, w.unacked)

	// an ack past a gap prunes everything below it
	assert.False(t, w.ack(13))
	assert.Empty(t, w.unacked)
}

func TestOffsetWindow_CommitTarget(t *testing.T) {
	w := offsetWindow{limit: 10}

	_, ok := w.commitTarget()
	assert.False(t, ok, "nothing acknowledged yet")

	w.track(4)
	w.ack(4)
	next, ok := w.commitTarget()
	assert.True(t, ok)
	assert.Equal(t, int64(5), next)

	w.markCommitted(next)
	_, ok = w.commitTarget()
	assert.False(t, ok, "already committed")

	w.markCommitted(3)
	assert.Equal(t, int64(5), w.committed, "commits never move backwards")
}

func TestToMessage(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	msg := toMessage(&kgo.Record{
		Topic:     "events",
		Partition: 2,
		Offset:    9,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []kgo.RecordHeader{{Key: "h", Value: []byte("1")}},
		Timestamp: ts,
	})

	assert.Equal(t, &broker.Message{
		Topic:     "events",
		Partition: 2,
		Offset:    9,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []broker.Header{{Key: "h", Value: []byte("1")}},
		Timestamp: ts,
	}, msg)
}
