// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session manages the single TCP connection to the Vantage
// controller: connect with handshake, the reader loop that feeds the
// framer, the one write primitive, and teardown.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/protocol"
)

// State names for the connection state machine.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDraining     = "draining"
)

// connectTimeout is the only bounded deadline in the Session lifecycle.
// Idle timeout is disabled; only connect establishment has one.
const connectTimeout = 10 * time.Second

// defaultRecvRingMax bounds the pre-trim receive ring (a 32 KiB
// shared-resource limit) when New is given recvRingMax <= 0; the configured
// RECV_RING_MAX option is passed through New.
const defaultRecvRingMax = 32 * 1024

var (
	// ErrNotConnected is returned by Write when no connection is active.
	ErrNotConnected = errors.New("session: not connected")

	// ErrDisconnectRequested is the OnDisconnect reason passed for a
	// caller-requested Disconnect, distinguishing it from a reconnect or a
	// read error.
	ErrDisconnectRequested = errors.New("session: disconnect requested")
)

// Target identifies a controller to connect to.
type Target struct {
	Name string
	Host string
	Port int
}

func (t Target) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Listener receives the callbacks a Session drives: framed lines as they
// arrive, and disconnect notification. Implemented by the bridge facade;
// kept as a narrow interface so session has no dependency on the awaiter
// registry, caches, or dispatcher — cyclic references break by giving
// consumers a small capability object.
type Listener interface {
	OnLine(line string)
	OnDisconnect(reason error)
}

// Session owns the single TCP connection to the controller. Safe for
// concurrent use: Write is safe in its own right (serialized through
// writeMu); Connect/Disconnect are serialized through connMu.
type Session struct {
	handshake      string
	handshakeRetry time.Duration
	lineEnding     string
	recvRingMax    int
	logger         *slog.Logger
	listener       Listener

	connMu sync.Mutex
	conn   net.Conn
	gen    uint64 // incremented on every Connect/Disconnect, guards stale handshake-retry timers

	writeMu sync.Mutex

	state atomic.Value // string

	framer *protocol.Framer

	stopMu sync.Once
	wg     sync.WaitGroup
}

// New returns a disconnected Session. lineEnding terminates outgoing
// writes; handshake (if non-empty) is written once after connect, and
// again after handshakeRetry if that is > 0.
func New(handshake string, handshakeRetry time.Duration, lineEnding string, recvRingMax int, logger *slog.Logger, listener Listener) *Session {
	if recvRingMax <= 0 {
		recvRingMax = defaultRecvRingMax
	}
	s := &Session{
		handshake:      handshake,
		handshakeRetry: handshakeRetry,
		lineEnding:     lineEnding,
		recvRingMax:    recvRingMax,
		logger:         logger,
		listener:       listener,
		framer:         protocol.NewBoundedFramer(recvRingMax),
	}
	s.state.Store(StateDisconnected)
	return s
}

// State returns the current connection state.
func (s *Session) State() string {
	return s.state.Load().(string)
}

// Connect dials target with a bounded deadline, performs the handshake,
// and starts the reader loop. Connecting while already connected first
// tears down the previous connection.
func (s *Session) Connect(target Target) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		s.teardownLocked(errors.New("reconnecting"))
	}

	s.state.Store(StateConnecting)

	conn, err := net.DialTimeout("tcp", target.addr(), connectTimeout)
	if err != nil {
		s.state.Store(StateDisconnected)
		return fmt.Errorf("connecting to %s: %w", target.addr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	s.conn = conn
	s.gen++
	myGen := s.gen
	s.framer.Reset()
	s.state.Store(StateConnected)

	if s.handshake != "" {
		if err := s.writeLocked([]byte(s.handshake)); err != nil {
			s.logger.Warn("handshake write failed", "error", err)
		}
		if s.handshakeRetry > 0 {
			time.AfterFunc(s.handshakeRetry, func() { s.retryHandshake(myGen) })
		}
	}

	s.wg.Add(1)
	go s.readLoop(conn, myGen)

	s.logger.Info("session connected", "target", target.Name, "address", target.addr())
	return nil
}

// retryHandshake re-sends the handshake string once, only if the
// connection generation hasn't changed (i.e. we're still the same
// session).
func (s *Session) retryHandshake(gen uint64) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.gen != gen || s.conn == nil {
		return
	}
	if err := s.writeLocked([]byte(s.handshake)); err != nil {
		s.logger.Warn("handshake retry write failed", "error", err)
	}
}

// Disconnect tears down the current connection, if any.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.teardownLocked(ErrDisconnectRequested)
}

// teardownLocked closes the connection and notifies the listener.
// Must be called with connMu held.
func (s *Session) teardownLocked(reason error) {
	if s.conn == nil {
		return
	}
	s.state.Store(StateDraining)
	_ = s.conn.Close()
	s.conn = nil
	s.gen++
	s.state.Store(StateDisconnected)
	if s.listener != nil {
		s.listener.OnDisconnect(reason)
	}
}

// Write sends p on the current connection. Returns ErrNotConnected if
// there is none. This is the only writer to the socket.
func (s *Session) Write(p []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := conn.Write(p)
	if err != nil {
		return fmt.Errorf("writing to session: %w", err)
	}
	return nil
}

// writeLocked writes using the conn already under connMu, serialized
// through writeMu (used for handshake, which runs before the reader
// goroutine starts but should still respect the single-writer lock).
func (s *Session) writeLocked(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

// LineEnding returns the configured outgoing line terminator.
func (s *Session) LineEnding() string { return s.lineEnding }

// readLoop owns the TCP read side exclusively: it reads into a bounded
// buffer, pre-trims the accumulated ring before appending, and forwards
// every framed line to the listener.
func (s *Session) readLoop(conn net.Conn, gen uint64) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range s.framer.Feed(buf[:n]) {
				if s.listener != nil {
					s.listener.OnLine(line)
				}
			}
		}
		if err != nil {
			s.connMu.Lock()
			stillCurrent := s.conn == conn && s.gen == gen
			if stillCurrent {
				s.teardownLocked(fmt.Errorf("read error: %w", err))
			}
			s.connMu.Unlock()
			return
		}
	}
}

// Close releases all resources; safe to call multiple times.
func (s *Session) Close() {
	s.stopMu.Do(func() {
		s.Disconnect()
	})
	s.wg.Wait()
}
