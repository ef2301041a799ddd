package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/session"
)

// Supervisor drives the Bridge's connection lifecycle: auto-connect at
// startup if configured, reconnect after every disconnect if
// AUTO_CONNECT_RETRY_MS>0, and a clean teardown on context cancellation.
// Shaped like an accept-loop-with-backoff, adapted from "accept the next
// inbound connection" to "dial the next outbound one".
type Supervisor struct {
	bridge *Bridge
	cfg    supervisorConfig
	logger *slog.Logger

	disconnected chan struct{}
}

type supervisorConfig struct {
	AutoConnect      bool
	AutoConnectIndex int
	RetryDelay       time.Duration
}

// NewSupervisor returns a Supervisor for b using cfg's auto-connect policy.
func NewSupervisor(b *Bridge, logger *slog.Logger) *Supervisor {
	sv := &Supervisor{
		bridge: b,
		cfg: supervisorConfig{
			AutoConnect:      b.cfg.AutoConnect,
			AutoConnectIndex: b.cfg.AutoConnectIndex,
			RetryDelay:       b.cfg.AutoConnectRetry(),
		},
		logger:       logger,
		disconnected: make(chan struct{}, 1),
	}
	b.onDisconnect = sv.notifyDisconnect
	return sv
}

// notifyDisconnect is wired onto Bridge.onDisconnect so Run's reconnect
// loop wakes up promptly instead of polling Session.State.
func (sv *Supervisor) notifyDisconnect() {
	select {
	case sv.disconnected <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled. If AutoConnect is set, it dials
// AutoConnectIndex immediately, then after every disconnect waits
// RetryDelay and dials the current server once (0 disables reconnect
// entirely). A failed dial is logged and not retried, since a failed
// connect does not signal a disconnect.
func (sv *Supervisor) Run(ctx context.Context) {
	defer sv.bridge.Close()

	if !sv.cfg.AutoConnect {
		<-ctx.Done()
		return
	}

	sv.connectWithLogging(sv.cfg.AutoConnectIndex)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.disconnected:
			if sv.cfg.RetryDelay <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sv.cfg.RetryDelay):
			}
			if sv.bridge.Session.State() == session.StateDisconnected {
				sv.connectWithLogging(sv.bridge.CurrentIndex())
			}
		}
	}
}

func (sv *Supervisor) connectWithLogging(idx int) {
	if err := sv.bridge.ConnectIndex(idx); err != nil {
		sv.logger.Warn("auto-connect failed", "index", idx, "error", err)
	}
}
