package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// kgoLogger adapts a zap.Logger to the kgo.Logger interface.
type kgoLogger struct {
	logger *zap.Logger
}

func newKgoLogger(logger *zap.Logger) *kgoLogger {
	return &kgoLogger{logger: logger.Named("kgo")}
}

// Level reports the most verbose kgo level the zap core has enabled.
func (l *kgoLogger) Level() kgo.LogLevel {
	core := l.logger.Core()
	switch {
	case core.Enabled(zapcore.DebugLevel):
		return kgo.LogLevelDebug
	case core.Enabled(zapcore.InfoLevel):
		return kgo.LogLevelInfo
	case core.Enabled(zapcore.WarnLevel):
		return kgo.LogLevelWarn
	case core.Enabled(zapcore.ErrorLevel):
		return kgo.LogLevelError
	default:
		return kgo.LogLevelNone
	}
}

// Log logs a message with the given level and key-value pairs.
func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	var lvl zapcore.Level
	switch level {
	case kgo.LogLevelNone:
		return
	case kgo.LogLevelDebug:
		lvl = zapcore.DebugLevel
	case kgo.LogLevelWarn:
		lvl = zapcore.WarnLevel
	case kgo.LogLevelError:
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	ce := l.logger.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(keyvalFields(keyvals)...)
}

func keyvalFields(keyvals []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprintf("%v", keyvals[i])
		if i+1 < len(keyvals) {
			fields = append(fields, zap.Any(key, keyvals[i+1]))
		} else {
			fields = append(fields, zap.Any(key, "MISSING_VALUE"))
		}
	}

	return fields
}
