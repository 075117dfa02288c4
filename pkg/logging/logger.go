package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig defines the configuration for structured logging
type LogConfig struct {
	Level  string // "DEBUG", "INFO", "WARN" or "ERROR"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a textual level to slog. Unknown values resolve to INFO.
func ParseLevel(v string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitLogger builds the process logger from config and installs it as the
// slog default.
func InitLogger(config LogConfig) *slog.Logger {
	level, ok := ParseLevel(config.Level)
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	validFormat := true
	switch strings.ToLower(strings.TrimSpace(config.Format)) {
	case "json":
		opts.AddSource = true
		handler = slog.NewJSONHandler(out, opts)
	case "text", "":
		handler = slog.NewTextHandler(out, opts)
	default:
		validFormat = false
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", config.Level)
	}
	if !validFormat {
		logger.Warn("invalid log format specified, defaulting to text", "specified_format", config.Format)
	}
	logger.Info("logger initialized", "level", level.String(), "format", config.Format)
	return logger
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
