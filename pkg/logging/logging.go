// Package logging adapts go.uber.org/zap to the orchestrator.Logger
// interface (spec §4.J: structured logs carrying participant_id,
// response_id, call_id where applicable). Grounded on
// teradata-labs-loom's go.uber.org/zap dependency — the teacher itself only
// ever logged through orchestrator.Logger/NoOpLogger, never to a concrete
// backend, so this is new code wiring a real backend behind that interface
// rather than a rewrite of an existing file.
package logging

import (
	"go.uber.org/zap"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// ZapLogger implements orchestrator.Logger over a *zap.SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap logger (JSON encoding, epoch-seconds timestamps)
// adapted to orchestrator.Logger.
func New() (*ZapLogger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: zl.Sugar()}, nil
}

// NewDevelopment builds a human-readable console logger, for local dev runs.
func NewDevelopment() (*ZapLogger, error) {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: zl.Sugar()}, nil
}

// Wrap adapts an already-constructed zap logger.
func Wrap(zl *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: zl.Sugar()}
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries; callers should defer it from main.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// With returns a derived logger with the given key/value pairs attached to
// every subsequent line. No code in this module calls it: pkg/room passes
// the participant as an "identity" key on its own log lines, and the
// pipeline's log lines carry no participant key.
func (l *ZapLogger) With(args ...interface{}) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(args...)}
}

var _ orchestrator.Logger = (*ZapLogger)(nil)
