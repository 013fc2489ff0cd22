package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestKgoLogger_Level(t *testing.T) {
	tests := []struct {
		level zapcore.Level
		want  kgo.LogLevel
	}{
		{zapcore.DebugLevel, kgo.LogLevelDebug},
		{zapcore.InfoLevel, kgo.LogLevelInfo},
		{zapcore.WarnLevel, kgo.LogLevelWarn},
		{zapcore.ErrorLevel, kgo.LogLevelError},
		{zapcore.FatalLevel, kgo.LogLevelNone},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.level.String(), func(t *testing.T) {
			core, _ := observer.New(tt.level)
			l := newKgoLogger(zap.New(core))
			assert.Equal(t, tt.want, l.Level())
		})
	}
}

func TestKgoLogger_Log(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := newKgoLogger(zap.New(core))

	l.Log(kgo.LogLevelWarn, "metadata refresh failed", "broker", 1, "err", "timeout", "dangling")
	l.Log(kgo.LogLevelDebug, "filtered out")
	l.Log(kgo.LogLevelNone, "never logged")

	entries := logs.AllUntimed()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "kgo", entry.LoggerName)
	assert.Equal(t, "metadata refresh failed", entry.Message)

	ctx := entry.ContextMap()
	assert.EqualValues(t, 1, ctx["broker"])
	assert.Equal(t, "timeout", ctx["err"])
	assert.Equal(t, "MISSING_VALUE", ctx["dangling"])
}
