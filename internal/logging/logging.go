// Package logging builds the application logger on top of log/slog with
// size-based rotation of the log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"ingestly/internal/config"
)

// NewLogger creates a *slog.Logger according to the configuration.
// Production logs JSON to a rotated file; development and test log
// human-readable text to both stdout and the rotated file.
func NewLogger(cfg *config.Config) *slog.Logger {
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDirectory, cfg.AppName+".log"),
		MaxSize:    cfg.LogsMaxSizeInMb,
		MaxBackups: cfg.LogsMaxBackups,
		MaxAge:     cfg.LogsMaxAgeInDays,
		Compress:   true,
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.GetLogLevel())}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(rotated, opts)
	} else {
		handler = slog.NewTextHandler(io.MultiWriter(os.Stdout, rotated), opts)
	}

	return slog.New(handler)
}

// NewTestLogger returns a logger that discards everything. Used in tests
// where log output would only add noise.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch level {
	case string(config.LogLevelDebug):
		return slog.LevelDebug
	case string(config.LogLevelWarn):
		return slog.LevelWarn
	case string(config.LogLevelError):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
