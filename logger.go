package mqrpc

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal logging contract used across the module.
type Logger interface {
	Log(v ...any)
	Logf(format string, v ...any)
}

// FieldLogger is implemented by loggers that accept structured key/value
// pairs. The fault guard prefers it when available.
type FieldLogger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// ZapLogger adapts a zap logger to Logger and FieldLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil l yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// NewDefaultLogger builds the JSON production logger used when no logger is
// configured.
func NewDefaultLogger() *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	cfg.Sampling = nil
	l, err := cfg.Build()
	if err != nil {
		return NewZapLogger(nil)
	}
	return NewZapLogger(l.Named("mqrpc"))
}

func (z *ZapLogger) Log(v ...any) {
	z.sugar.Info(v...)
}

func (z *ZapLogger) Logf(format string, v ...any) {
	z.sugar.Infof(format, v...)
}

func (z *ZapLogger) Infow(msg string, keysAndValues ...any) {
	z.sugar.Infow(msg, keysAndValues...)
}

func (z *ZapLogger) Errorw(msg string, keysAndValues ...any) {
	z.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error { return z.sugar.Sync() }

func logInfo(l Logger, msg string, keysAndValues ...any) {
	if l == nil {
		return
	}
	if fl, ok := l.(FieldLogger); ok {
		fl.Infow(msg, keysAndValues...)
		return
	}
	l.Logf("%s%s", msg, formatFields(keysAndValues))
}

func logError(l Logger, msg string, keysAndValues ...any) {
	if l == nil {
		return
	}
	if fl, ok := l.(FieldLogger); ok {
		fl.Errorw(msg, keysAndValues...)
		return
	}
	l.Logf("%s%s", msg, formatFields(keysAndValues))
}

func formatFields(keysAndValues []any) string {
	var b strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keysAndValues[i])
		}
	}
	return b.String()
}
