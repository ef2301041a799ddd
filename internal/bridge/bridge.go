// Package bridge wires the session, send queue, dispatcher, whitelist,
// and push pipeline into one running unit, and supervises the connection
// lifecycle (startup auto-connect, reconnect-on-close) via its Supervisor.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/clock"
	"github.com/qlinkbridge/qlink-bridge/internal/config"
	"github.com/qlinkbridge/qlink-bridge/internal/dispatcher"
	"github.com/qlinkbridge/qlink-bridge/internal/logging"
	"github.com/qlinkbridge/qlink-bridge/internal/metrics"
	"github.com/qlinkbridge/qlink-bridge/internal/push"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
	"github.com/qlinkbridge/qlink-bridge/internal/session"
	"github.com/qlinkbridge/qlink-bridge/internal/whitelist"
)

// ErrInvalidServerIndex is returned by ConnectIndex when idx falls outside
// the configured server list.
var ErrInvalidServerIndex = errors.New("bridge: server index out of range")

// Bridge is the fully wired runtime: one Session, one SendQueue, one
// Dispatcher, one Whitelist, one push Pipeline. internal/httpapi talks to
// the Bridge only, never to the pieces directly.
type Bridge struct {
	cfg        *config.Config
	logger     *slog.Logger
	observer   *metrics.Observer
	Session    *session.Session
	Queue      *queue.SendQueue
	Dispatcher *dispatcher.Dispatcher
	Whitelist  *whitelist.Whitelist
	Push       *push.Pipeline

	mu      sync.Mutex
	current int // index into cfg.Servers of the last Connect target

	onDisconnect func() // wired by Supervisor to wake its reconnect loop

	// Per-connection-attempt diagnostic logging (internal/logging), active
	// only when cfg.Logging.ConnectionLogDir is set.
	attempt       int
	attemptServer string
	attemptID     string
	connLogger    *slog.Logger
	connCloser    io.Closer
}

// New constructs every component and wires their capability-object
// references, but does not start anything — call Supervisor.Run for that.
func New(cfg *config.Config, logger *slog.Logger, observer *metrics.Observer) (*Bridge, error) {
	wl := whitelist.New(cfg.WhitelistStrict)
	if cfg.WhitelistPath != "" {
		if err := wl.Load(cfg.WhitelistPath); err != nil {
			return nil, err
		}
	}

	b := &Bridge{
		cfg:        cfg,
		logger:     logger,
		observer:   observer,
		Whitelist:  wl,
		connLogger: logger,
		connCloser: io.NopCloser(nil),
	}

	var onSent queue.OnSent
	if observer != nil {
		onSent = func(label string, sentAt time.Time, gap time.Duration) {
			observer.ObserveWrite(label, gap)
		}
	}
	b.Queue = queue.New(cfg.MinGap(), onSent)

	dcfg := dispatcher.Config{
		LineEnding:              cfg.LineEnding,
		PushFreshMs:             cfg.PushFreshMs,
		DefaultLoadFadeSeconds:  float64(cfg.DefaultLoadFadeSeconds),
		SwitchAwaitersMaxPerKey: cfg.AwaitersMaxPerKey,
		LoadAwaitersMaxPerKey:   cfg.LoadAwaitersMaxPerKey,
	}

	// Session needs a Listener before it exists, and Dispatcher needs a
	// Writer before it exists — both sides are satisfied once b.Session is
	// assigned, since Dispatcher only calls through the narrow Writer
	// interface and Session only calls through the narrow Listener
	// interface — the capability-object pattern, applied at the facade's
	// own wiring seam.
	clk := clock.New()
	b.Session = session.New(cfg.Handshake, cfg.HandshakeRetry(), cfg.LineEnding, cfg.RecvRingMax, logger, b)
	b.Dispatcher = dispatcher.New(b.Session, b.Queue, clk, dcfg, logger)
	if observer != nil {
		b.Dispatcher.SetObserver(observer)
	}

	b.Push = push.New(wl, b.Dispatcher, clk, cfg.Debounce(), logger)
	b.Dispatcher.SetPushEventHandler(func(sa addr.Switch, value int) {
		if observer != nil {
			observer.PushEvent("received")
		}
		if !wl.Contains(sa) {
			if observer != nil {
				observer.PushEvent("dropped-whitelist")
			}
		}
		b.Push.HandleEvent(sa, value)
	})

	return b, nil
}

// OnLine implements session.Listener by forwarding to the Dispatcher.
func (b *Bridge) OnLine(line string) { b.Dispatcher.OnLine(line) }

// OnDisconnect implements session.Listener: tear down both awaiter
// registries (every in-flight awaiter is rejected) and cancel every
// pending push-confirm timer.
func (b *Bridge) OnDisconnect(reason error) {
	b.Dispatcher.OnDisconnect(reason)
	b.Push.CancelAll()
	if b.observer != nil {
		b.observer.SetSessionState(metrics.SessionStateDisconnected)
	}

	b.mu.Lock()
	b.connCloser.Close()
	b.connCloser = io.NopCloser(nil)
	server, attemptID := b.attemptServer, b.attemptID
	b.mu.Unlock()
	if errors.Is(reason, session.ErrDisconnectRequested) && server != "" {
		// Clean, requested disconnect: nothing to diagnose, drop the file.
		logging.RemoveConnectionLog(b.cfg.Logging.ConnectionLogDir, server, attemptID)
	}

	if b.onDisconnect != nil {
		b.onDisconnect()
	}
}

// ConnectIndex dials cfg.Servers[idx]. When cfg.Logging.ConnectionLogDir is
// set, this attempt gets its own debug-level log file
// (internal/logging.NewConnectionLogger) in addition to the global sink —
// useful for capturing one flaky reconnect's wire traffic without raising
// the global level.
func (b *Bridge) ConnectIndex(idx int) error {
	if idx < 0 || idx >= len(b.cfg.Servers) {
		return ErrInvalidServerIndex
	}
	srv := b.cfg.Servers[idx]

	b.mu.Lock()
	b.current = idx
	b.attempt++
	attemptID := fmt.Sprintf("%d", b.attempt)
	prevCloser := b.connCloser
	connLogger, closer, _, err := logging.NewConnectionLogger(b.logger, b.cfg.Logging.ConnectionLogDir, srv.Name, attemptID)
	if err != nil {
		b.logger.Warn("connection log unavailable, logging to global sink only", "server", srv.Name, "error", err)
		connLogger, closer = b.logger, io.NopCloser(nil)
	}
	b.connLogger = connLogger
	b.connCloser = closer
	b.attemptServer = srv.Name
	b.attemptID = attemptID
	b.mu.Unlock()
	prevCloser.Close()

	if b.observer != nil {
		b.observer.SetSessionState(metrics.SessionStateConnecting)
	}
	connLogger.Info("connecting", "server", srv.Name, "host", srv.Host, "port", srv.Port)
	connErr := b.Session.Connect(session.Target{Name: srv.Name, Host: srv.Host, Port: srv.Port})
	if b.observer != nil {
		if connErr != nil {
			b.observer.SetSessionState(metrics.SessionStateDisconnected)
		} else {
			b.observer.SetSessionState(metrics.SessionStateConnected)
		}
	}
	if connErr != nil {
		connLogger.Error("connect failed", "server", srv.Name, "error", connErr)
	} else {
		connLogger.Info("connected", "server", srv.Name)
	}
	return connErr
}

// CurrentIndex returns the server index last passed to ConnectIndex.
func (b *Bridge) CurrentIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Servers returns the configured server list, for the /servers peripheral
// endpoint.
func (b *Bridge) Servers() []config.Server {
	return b.cfg.Servers
}

// WhitelistPath returns the configured whitelist file path, for
// /whitelist/reload.
func (b *Bridge) WhitelistPath() string {
	return b.cfg.WhitelistPath
}

// Disconnect tears down the current session manually. Reconnect policy
// still applies afterward — a manual disconnect is distinguishable only
// in that the supervisor respects policy either way.
func (b *Bridge) Disconnect() {
	b.Session.Disconnect()
}

// Close releases every held resource: stops the queue pumper and closes
// the session.
func (b *Bridge) Close() {
	b.Queue.Close()
	b.Session.Close()
	b.mu.Lock()
	b.connCloser.Close()
	b.mu.Unlock()
}
