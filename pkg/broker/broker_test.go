package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsumerConfig_WithDefaults(t *testing.T) {
	cfg := ConsumerConfig{Group: "g"}.WithDefaults()

	assert.Equal(t, ConsumerConfig{
		Group:          "g",
		BeginOffset:    OffsetLatest,
		PrefetchCount:  10,
		MaxWait:        10 * time.Second,
		MaxBytes:       1 << 20,
		CommitInterval: 5 * time.Second,
	}, cfg)

	custom := ConsumerConfig{BeginOffset: OffsetEarliest, PrefetchCount: 1}.WithDefaults()
	assert.Equal(t, OffsetEarliest, custom.BeginOffset)
	assert.Equal(t, 1, custom.PrefetchCount)
}

func TestConsumerConfig_Validate(t *testing.T) {
	for _, tc := range []struct {
		policy  OffsetReset
		wantErr bool
	}{
		{"", false},
		{OffsetEarliest, false},
		{OffsetLatest, false},
		{"newest", true},
	} {
		err := ConsumerConfig{BeginOffset: tc.policy}.Validate()
		if tc.wantErr {
			assert.Error(t, err, tc.policy)
		} else {
			assert.NoError(t, err, tc.policy)
		}
	}
}
