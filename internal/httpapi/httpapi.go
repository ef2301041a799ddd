// Package httpapi is the HTTP surface: a router and handlers translating
// query/JSON requests into Bridge/Dispatcher calls, and back into the
// response header contract and status code mapping. Built on stdlib
// net/http.ServeMux with Go 1.22+ "METHOD /path" patterns, no third-party
// router, status codes decided here rather than inside business logic.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/awaiter"
	"github.com/qlinkbridge/qlink-bridge/internal/bridge"
	"github.com/qlinkbridge/qlink-bridge/internal/dispatcher"
	"github.com/qlinkbridge/qlink-bridge/internal/metrics"
	"github.com/qlinkbridge/qlink-bridge/internal/session"
)

var startTime = time.Now()

// Server bundles the dependencies every handler needs.
type Server struct {
	bridge   *bridge.Bridge
	observer *metrics.Observer
	logger   *slog.Logger
	recv     *recvLog
}

// NewRouter builds the full HTTP surface for b.
func NewRouter(b *bridge.Bridge, observer *metrics.Observer, logger *slog.Logger) http.Handler {
	s := &Server{bridge: b, observer: observer, logger: logger, recv: newRecvLog(500)}
	b.Dispatcher.SetLineObserver(s.recv.add)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /status/vgs", s.handleSwitchRead)
	mux.HandleFunc("GET /test/vsw", s.handleSwitchWrite)
	mux.HandleFunc("POST /test/vsw", s.handleSwitchWrite)
	mux.HandleFunc("GET /dim", s.handleLoadRead)
	mux.HandleFunc("POST /dim", s.handleLoadSet)
	mux.HandleFunc("POST /send", s.handleRawSend)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /recv", s.handleRecv)
	mux.HandleFunc("POST /recv/reset", s.handleRecvReset)
	mux.HandleFunc("GET /whitelist", s.handleWhitelist)
	mux.HandleFunc("POST /whitelist/reload", s.handleWhitelistReload)
	mux.HandleFunc("GET /commands", s.handleCommands)
	mux.HandleFunc("POST /admin/reload-commands", s.handleReloadCommands)
	mux.HandleFunc("GET /logging/status", s.handleLoggingStatus)
	mux.HandleFunc("POST /logging/start", s.handleLoggingStart)
	mux.HandleFunc("POST /logging/stop", s.handleLoggingStop)

	if observer != nil {
		mux.Handle("GET /metrics", metrics.Handler(observer.Registry()))
	}

	mux.HandleFunc("GET /health", handleHealth)

	return mux
}

// writeJSON serializes v as indented JSON (teacher's observability.writeJSON
// idiom) with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// writeErr maps an error from the dispatcher/bridge error taxonomy to an
// HTTP status code and writes a JSON error body.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatcher.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrNotConnected), errors.Is(err, session.ErrNotConnected):
		status = http.StatusBadRequest
	case errors.Is(err, awaiter.ErrSaturated):
		status = http.StatusTooManyRequests
	case errors.Is(err, awaiter.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, awaiter.ErrDisconnected):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("X-Status-Error", err.Error())
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(startTime).String(),
		"goroutines": runtime.NumGoroutine(),
	})
}
