// Package log configures the process-wide slog default handler and hands
// out per-module loggers, mirroring the teacher's pkg/log.
package log

import (
	"log/slog"
	"os"
)

// Setup installs a text handler at logLevel as the slog default.
func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule returns the default logger tagged with module, the shape
// every component in this repo uses to build its own logger.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
