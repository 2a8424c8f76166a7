// Package logging configures slog for the service and provides helpers for
// the structured per-stage log entries the pipeline emits.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skywatch/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug,
// warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

// Setup configures the default logger from the configuration, optionally
// teeing output into a dated log file.
func Setup(cfg *config.Logging) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.FileOutput {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("skywatch-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
	}

	logger := newLogger(io.MultiWriter(writers...), cfg.Level, cfg.Format)
	slog.SetDefault(logger)

	logger.Info("logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"file_output", cfg.FileOutput,
	)
	return logger, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFrameDropped records a dropped work item with its stage context.
func LogFrameDropped(logger *slog.Logger, frameNumber uint64, stage string, err error) {
	logger.Warn("frame dropped",
		"frame", frameNumber,
		"stage", stage,
		"error", errString(err),
	)
}

// LogFrameProcessed records a completed frame with its stage timings.
func LogFrameProcessed(logger *slog.Logger, frameNumber uint64, queued, stack, filter time.Duration) {
	logger.Debug("frame processed",
		"frame", frameNumber,
		"queue_ms", queued.Milliseconds(),
		"stack_ms", stack.Milliseconds(),
		"filter_ms", filter.Milliseconds(),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
