package definition

import (
	"github.com/sirupsen/logrus"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// LogrusLogger adapts a *logrus.Logger to types.Logger, for callers
// that want structured, leveled logging instead of the plain-text
// DefaultLogger. sirupsen/logrus already sits in this module's
// dependency graph through the teacher it was grown from; this just
// gives it a direct caller.
type LogrusLogger struct {
	*logrus.Logger
}

var _ types.Logger = (*LogrusLogger)(nil)

// NewLogrusLogger wraps l, or builds a sensible default if l is nil.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{Logger: l}
}

func (l *LogrusLogger) Info(v ...interface{})                   { l.Logger.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})   { l.Logger.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                   { l.Logger.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})   { l.Logger.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                  { l.Logger.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{})  { l.Logger.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                  { l.Logger.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{})  { l.Logger.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                  { l.Logger.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{})  { l.Logger.Fatalf(format, v...) }
func (l *LogrusLogger) Panic(v ...interface{})                  { l.Logger.Panic(v...) }
func (l *LogrusLogger) Panicf(format string, v ...interface{})  { l.Logger.Panicf(format, v...) }
