// Package logging constructs the bridge's slog.Logger from the
// configured level/format/file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/qlinkbridge/qlink-bridge/internal/config"
)

// noopCloser is the shared do-nothing io.Closer handed back whenever a
// caller asked for file logging but none applies — New when cfg.File is
// unset, NewConnectionLogger when ConnectionLogDir is unset.
func noopCloser() io.Closer { return io.NopCloser(nil) }

// New builds a slog.Logger from cfg: "json" (default) or "text" format,
// "debug"/"info"(default)/"warn"/"error" level. When cfg.File is set,
// logs go to stdout and the file (io.MultiWriter); the returned io.Closer
// closes that file on shutdown and is a no-op otherwise.
func New(cfg config.Logging) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = noopCloser()

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", cfg.File, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
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
