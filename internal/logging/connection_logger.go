package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewConnectionLogger uses it to write simultaneously to the
// global sink and a connection-attempt-dedicated file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the connection file must never take down the
	// global log stream.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewConnectionLogger returns a logger that writes to both baseLogger and a
// dedicated debug-level file for one connection attempt, at:
//
//	{connLogDir}/{serverName}/{attemptID}.log
//
// Unlike baseLogger, every record written through the returned logger
// (including the copy that still reaches the global sink) carries "server"
// and "attempt" attributes — callers never need to remember to tag their
// own log lines with which reconnect attempt they belong to, since a single
// misattributed line during a flaky-reconnect investigation is exactly the
// kind of thing this file exists to prevent.
//
// It returns the enriched logger, an io.Closer for the attempt file, and the
// file's path under connLogDir. The closer must be called when the attempt ends
// (successfully reconnected elsewhere, or given up on).
//
// If connLogDir is empty, NewConnectionLogger is a no-op: it returns
// baseLogger unchanged.
func NewConnectionLogger(baseLogger *slog.Logger, connLogDir, serverName, attemptID string) (*slog.Logger, io.Closer, string, error) {
	if connLogDir == "" {
		return baseLogger, noopCloser(), "", nil
	}
	if err := validatePathComponent(serverName, "server name"); err != nil {
		return nil, nil, "", err
	}
	if err := validatePathComponent(attemptID, "attempt ID"); err != nil {
		return nil, nil, "", err
	}

	dir := filepath.Join(connLogDir, serverName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating connection log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, attemptID+".log")
	if err := validatePathInBaseDir(connLogDir, logPath); err != nil {
		return nil, nil, "", err
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}

	// The attempt file always captures at debug level, regardless of the
	// global sink's configured level, since its whole purpose is catching
	// detail the global sink is filtering out.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	logger := slog.New(combined).With("server", serverName, "attempt", attemptID)
	return logger, f, logPath, nil
}

// RemoveConnectionLog deletes a finished attempt's log file. No-op if
// connLogDir is empty, the components fail validation, or the file is
// already gone — called once a connection attempt is no longer worth
// keeping around for diagnosis (a clean, caller-requested disconnect).
func RemoveConnectionLog(connLogDir, serverName, attemptID string) {
	if connLogDir == "" {
		return
	}
	if validatePathComponent(serverName, "server name") != nil || validatePathComponent(attemptID, "attempt ID") != nil {
		return
	}
	logPath := filepath.Join(connLogDir, serverName, attemptID+".log")
	if validatePathInBaseDir(connLogDir, logPath) != nil {
		return
	}
	os.Remove(logPath)
}
