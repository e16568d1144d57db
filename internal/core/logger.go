package core

import "go.uber.org/zap"

// Logger is the structured logging surface the core packages write to.
// Both *zap.Logger and the gofulmen logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop()
}

// LoggerOr returns l, or a no-op logger when l is nil.
func LoggerOr(l Logger) Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
