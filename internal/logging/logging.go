package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the canonical structured logging interface used by the project.
// Keep it small and focused on key/value structured events.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

// noopLogger is the default so logging calls are safe before Init.
type noopLogger struct{}

func (noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Sync() error                                     { return nil }

var current Logger = noopLogger{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return noopLogger{} }

// Init builds the process logger. level is one of debug|info|warn|error; an
// empty level falls back to LOG_LEVEL. The standard library logger is
// redirected into zap. Only the first call has any effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package-level logger. Pass nil to reset to the
// logger built by Init (or the no-op logger). Useful for tests.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the current Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns a component logger. Components receive it through their
// constructors instead of calling the package functions.
func Named(component string, kv ...interface{}) Logger {
	mu.RLock()
	defer mu.RUnlock()
	if s, ok := current.(*zap.SugaredLogger); ok {
		l := s.Named(component)
		if len(kv) > 0 {
			l = l.With(kv...)
		}
		return l
	}
	if len(kv) == 0 {
		return current
	}
	return &withLogger{base: current, kv: kv}
}

// With returns l with kv attached to every entry.
func With(l Logger, kv ...interface{}) Logger {
	if l == nil {
		l = noopLogger{}
	}
	if len(kv) == 0 {
		return l
	}
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.With(kv...)
	}
	return &withLogger{base: l, kv: kv}
}

type withLogger struct {
	base Logger
	kv   []interface{}
}

func (w *withLogger) merge(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(w.kv)+len(kv))
	out = append(out, w.kv...)
	return append(out, kv...)
}

func (w *withLogger) Infow(msg string, kv ...interface{})  { w.base.Infow(msg, w.merge(kv)...) }
func (w *withLogger) Debugw(msg string, kv ...interface{}) { w.base.Debugw(msg, w.merge(kv)...) }
func (w *withLogger) Warnw(msg string, kv ...interface{})  { w.base.Warnw(msg, w.merge(kv)...) }
func (w *withLogger) Errorw(msg string, kv ...interface{}) { w.base.Errorw(msg, w.merge(kv)...) }
func (w *withLogger) Sync() error                          { return w.base.Sync() }

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// FatalExitf logs an error and exits the process with code 1.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	l := GetLogger()
	l.Errorw(msg, keysAndValues...)
	_ = l.Sync()
	os.Exit(1)
}

// Sync flushes any buffered logs.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv; fields already present are kept
// in front.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns any fields previously attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

// Ctx returns l enriched with the fields stored in ctx.
func Ctx(ctx context.Context, l Logger) Logger {
	return With(l, FromContext(ctx)...)
}

// Helper functions that return key/value pairs for common Discord entities.
// Keys are dot-separated to keep downstream queries uniform.
func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func GuildFields(guildID, guildName string) []interface{} {
	if guildName == "" {
		return []interface{}{"guild.id", guildID}
	}
	return []interface{}{"guild.id", guildID, "guild.name", guildName}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// SpeakerFields identifies one speaker within a destination.
func SpeakerFields(destination, speaker string) []interface{} {
	return []interface{}{"destination", destination, "speaker", speaker}
}
