// Package logger holds the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the shared logger. Init replaces it; before Init it falls back to
// slog's default.
var Log = slog.Default()

// Init configures Log at the given level, teeing to logFile when set.
// Unknown levels fall back to info.
func Init(level, logFile string) error {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	out := io.Writer(os.Stdout)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	Log = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	}))
	slog.SetDefault(Log)
	return nil
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
