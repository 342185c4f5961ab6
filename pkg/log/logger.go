package log

import (
	"io"
	"log/slog"
	"os"
)

// SetupLogger configures the default slog logger with a JSON handler wrapped by ErrFmtHandler.
// The zerolog-backed provider is switched to the same level.
func SetupLogger(loglevel string) {
	SetupLoggerTo(os.Stdout, loglevel)
}

// SetupLoggerTo is SetupLogger with an explicit destination.
func SetupLoggerTo(w io.Writer, loglevel string) {
	level := ToLogLevel(loglevel)
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr.Key = "severity"
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	}
	handler := slog.NewJSONHandler(w, &ops)
	slog.SetDefault(slog.New(WrapByErrFmtHandler(handler)))
	SetLevel(Level(level))
}

// ToLogLevel parses "debug", "info", "warn" or "error". Unknown values fall back to info.
func ToLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}
