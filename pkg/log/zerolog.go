package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger wraps zl.
func NewZerologLogger(zl zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{zl: zl}
}

func (l *ZerologLogger) Debug(msg string, fields ...any) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(msg string, fields ...any) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(msg string, fields ...any) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(msg string, fields ...any) {
	ev := l.zl.Error()
	if len(fields) > 0 {
		if err, ok := fields[0].(error); ok {
			ev = ev.Err(err)
			var m zerolog.LogObjectMarshaler
			if scierrors.As(err, &m) {
				ev = ev.EmbedObject(m)
			}
			fields = fields[1:]
		}
	}
	l.emit(ev, msg, fields)
}

// With returns a child logger carrying fields.
func (l *ZerologLogger) With(fields ...any) Logger {
	return &ZerologLogger{zl: l.zl.With().Fields(pairs(fields)).Logger()}
}

func (l *ZerologLogger) Enabled(_ context.Context, level Level) bool {
	return l.zl.GetLevel() <= toZerologLevel(level)
}

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []any) {
	if ev == nil {
		return
	}
	ev.Fields(pairs(fields)).Msg(msg)
}

// pairs folds alternating key/value fields into a slice zerolog accepts.
// A trailing key without a value is recorded under "!BADKEY".
func pairs(fields []any) []any {
	out := make([]any, 0, len(fields)+1)
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			out = append(out, "!BADKEY", fields[i])
			break
		}
		out = append(out, fmt.Sprint(fields[i]), fields[i+1])
	}
	return out
}

func toZerologLevel(level Level) zerolog.Level {
	switch {
	case level <= LevelDebug:
		return zerolog.DebugLevel
	case level <= LevelInfo:
		return zerolog.InfoLevel
	case level <= LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// ZerologProvider is the default LoggerProvider.
type ZerologProvider struct {
	mu   sync.RWMutex
	base zerolog.Logger
}

// NewZerologProvider creates a provider writing JSON lines to w.
func NewZerologProvider(w io.Writer, level Level) *ZerologProvider {
	zl := zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &ZerologProvider{base: zl}
}

// NewConsoleProvider creates a provider with human-readable output.
func NewConsoleProvider(w io.Writer, level Level) *ZerologProvider {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	zl := zerolog.New(cw).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &ZerologProvider{base: zl}
}

func (p *ZerologProvider) GetLogger() Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return NewZerologLogger(p.base)
}

func (p *ZerologProvider) GetLoggerWithName(name string) Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return NewZerologLogger(p.base.With().Str(ComponentKey, name).Logger())
}

func (p *ZerologProvider) SetLevel(level Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.base.Level(toZerologLevel(level))
}

var (
	providerMu sync.RWMutex
	provider   LoggerProvider = NewZerologProvider(os.Stderr, LevelInfo)
)

func init() {
	scierrors.SetZerologWarnFunc(func(w error) {
		GetLoggerWithName("warnings").Warn(w.Error(), ErrorTypeKey, fmt.Sprintf("%T", w))
	})
}

// SetProvider replaces the global provider. Loggers obtained earlier keep their old sink.
func SetProvider(p LoggerProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	provider = p
}

// GetLogger returns a logger from the global provider.
func GetLogger() Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider.GetLogger()
}

// GetLoggerWithName returns a component logger from the global provider.
func GetLoggerWithName(name string) Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider.GetLoggerWithName(name)
}

// SetLevel sets the minimum level of the global provider.
func SetLevel(level Level) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	provider.SetLevel(level)
}
