package kprod

import "go.uber.org/zap"

// LogLevel mirrors the level argument already threaded through the adapted
// transaction manager's Log calls (cl.cfg.logger.Log(LogLevelInfo, ...)).
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Logger is the logging collaborator every internal component logs
// through. keyvals follow the zap "sugared" convention: alternating
// key/value pairs.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// NopLogger discards everything; used as the default unless a Logger is
// configured, and in tests.
type NopLogger struct{}

func (NopLogger) Level() LogLevel                      { return LogLevelNone }
func (NopLogger) Log(LogLevel, string, ...interface{}) {}

// zapLogger backs the default, non-nop Logger with
// go.uber.org/zap.SugaredLogger, per SPEC_FULL.md's ambient logging stack.
type zapLogger struct {
	level LogLevel
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger to satisfy the Logger
// interface at the given maximum level. Passing a nil logger builds a
// production zap logger via zap.NewProduction.
func NewZapLogger(level LogLevel, l *zap.Logger) Logger {
	if l == nil {
		built, err := zap.NewProduction()
		if err != nil {
			built = zap.NewNop()
		}
		l = built
	}
	return &zapLogger{level: level, sugar: l.Sugar()}
}

func (z *zapLogger) Level() LogLevel { return z.level }

func (z *zapLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if level > z.level || level == LogLevelNone {
		return
	}
	switch level {
	case LogLevelError:
		z.sugar.Errorw(msg, keyvals...)
	case LogLevelWarn:
		z.sugar.Warnw(msg, keyvals...)
	case LogLevelInfo:
		z.sugar.Infow(msg, keyvals...)
	case LogLevelDebug:
		z.sugar.Debugw(msg, keyvals...)
	}
}
