// Package bclog wraps go.uber.org/zap behind a small interface so the
// rest of the module depends on a handful of methods, not on zap
// directly.
package bclog

import (
	"go.uber.org/zap"
)

// Logger is the structured logging surface every component takes as an
// explicit constructor argument (never a mutable package global).
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	z *zap.SugaredLogger
}

// New builds a production zap logger (JSON encoding, info level).
func New() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder config;
		// fall back to a no-op rather than panic a caller that just
		// wanted a logger.
		z = zap.NewNop()
	}
	return &zapLogger{z: z.Sugar()}
}

// NewDevelopment builds a human-readable console logger, used by
// cmd/bitcrapsd and cmd/bitcraps-gateway when run with --dev-log.
func NewDevelopment() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z.Sugar()}
}

// NewNop builds a no-op logger for tests.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.z.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.z.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.z.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.z.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{z: l.z.With(kv...)}
}

func (l *zapLogger) Sync() error { return l.z.Sync() }
