// Package sandboxlog is the cascade's diagnostic logger: namespace/cgroup
// setup messages, never the channel of record for a verdict (that travels
// over the result pipe as a ChildError/RunInfo envelope). Adapted from the
// teacher's internal/logger package — same Init/level shape, same
// shortened-time slog.TextHandler.
package sandboxlog

import (
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
)

var log *slog.Logger

// Init sets up the package logger. level is one of debug/info/warn/error;
// logFile, if non-empty, additionally appends to that path.
func Init(level, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	log = slog.New(handler)
	return nil
}

func ensure() *slog.Logger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return log
}

func Debug(msg string, args ...any) { ensure().Debug(msg, args...) }
func Info(msg string, args ...any)  { ensure().Info(msg, args...) }
func Warn(msg string, args ...any)  { ensure().Warn(msg, args...) }
func Error(msg string, args ...any) { ensure().Error(msg, args...) }

// Bytes formats a byte count for a diagnostic message, e.g. "64 MB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}
