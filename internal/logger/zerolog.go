package logger

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger is a Logger backed by zerolog.
type ZerologLogger struct {
	z      zerolog.Logger
	prefix string
}

// Zerolog creates a Logger writing zerolog output to w. console selects the
// human-readable ConsoleWriter instead of JSON lines.
func Zerolog(w io.Writer, level slog.Level, console bool) Logger {
	out := w
	if console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger()
	return &ZerologLogger{z: z}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level <= slog.LevelDebug:
		return zerolog.DebugLevel
	case level <= slog.LevelInfo:
		return zerolog.InfoLevel
	case level <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l *ZerologLogger) Debug(msg string, args ...any) {
	l.log(l.z.Debug(), msg, args)
}

func (l *ZerologLogger) Info(msg string, args ...any) {
	l.log(l.z.Info(), msg, args)
}

func (l *ZerologLogger) Warn(msg string, args ...any) {
	l.log(l.z.Warn(), msg, args)
}

func (l *ZerologLogger) Error(msg string, args ...any) {
	l.log(l.z.Error(), msg, args)
}

func (l *ZerologLogger) log(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	forEachField(l.prefix, args, func(key string, val any) {
		if err, ok := val.(error); ok {
			e.AnErr(key, err)
			return
		}
		e.Interface(key, val)
	})
	e.Msg(msg)
}

func (l *ZerologLogger) With(args ...any) Logger {
	ctx := l.z.With()
	forEachField(l.prefix, args, func(key string, val any) {
		ctx = ctx.Interface(key, val)
	})
	return &ZerologLogger{z: ctx.Logger(), prefix: l.prefix}
}

// WithGroup prefixes later keys with "name.", matching slog's text output.
func (l *ZerologLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	return &ZerologLogger{z: l.z, prefix: l.prefix + name + "."}
}

// forEachField walks variadic key-value pairs. A trailing key without a
// value is dropped.
func forEachField(prefix string, args []any, fn func(key string, val any)) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		fn(prefix+key, args[i+1])
	}
}
