// Package observability carries darkcrawl's cross-cutting runtime
// concerns: structured log construction (driven by config.LoggingConfig
// instead of a CLI-only --verbose flag) and the Stats operational
// counters the teacher exposed over a Prometheus endpoint. darkcrawl has
// no HTTP surface of its own, so Stats is a log-only reporter instead —
// see stats.go.
package observability

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger from a LoggingConfig-shaped
// level/format/output triple, passed as plain strings so this package
// does not import internal/config. verbose forces debug level
// regardless of the configured level, matching -v on the CLI.
func NewLogger(level, format, output string, verbose bool) *slog.Logger {
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: lvl}
	w := writerFor(output)

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
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

func writerFor(output string) io.Writer {
	switch output {
	case "stdout":
		return os.Stdout
	case "discard":
		return io.Discard
	default:
		return os.Stderr
	}
}
