// Package telemetry wires the worker's logging and tracing stack. Logging
// follows the teacher's log/slog convention (bracket-tagged first message,
// key/value attributes) used throughout its handler and service packages
// (e.g. service.enricherMiddleware's "PEER_ENRICHMENT_FAILED"); tracing
// adds the otel SDK pieces the teacher's go.mod already pulls in for gRPC
// instrumentation.
package telemetry

import (
	"log/slog"
	"os"
)

// LoggerConfig selects the handler and minimum level for the process-wide
// slog.Logger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// NewLogger builds the process-wide structured logger. JSON output is the
// default for production (log aggregation expects one JSON object per
// line); text is for local development, matching the teacher's dev-mode
// convenience.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
