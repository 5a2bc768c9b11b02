// Package logger sets up the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// L is the global logger. It is slog.Default() until Init is called.
var L = slog.Default()

// Init initializes the global logger with a JSON handler on stdout.
// Call this once at application startup, after loading config.
func Init(levelStr string) *slog.Logger {
	return InitTo(os.Stdout, levelStr)
}

// InitTo is Init with an explicit destination.
func InitTo(w io.Writer, levelStr string) *slog.Logger {
	level, ok := ParseLevel(levelStr)
	if !ok {
		slog.Warn("invalid LOG_LEVEL specified, defaulting to INFO", "configuredLevel", levelStr)
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	L = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(L)
	L.Debug("logger initialized", "level", level.String())
	return L
}

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values give
// info and false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
