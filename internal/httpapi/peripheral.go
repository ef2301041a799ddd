package httpapi

import (
	"net/http"
	"sync"
)

// recvLog is a bounded ring of the most recently observed wire lines,
// backing the peripheral GET /recv endpoint — enough to be real, not
// enough to be a separate subsystem.
type recvLog struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newRecvLog(max int) *recvLog {
	return &recvLog{max: max}
}

func (rl *recvLog) add(line string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.lines = append(rl.lines, line)
	if len(rl.lines) > rl.max {
		rl.lines = rl.lines[len(rl.lines)-rl.max:]
	}
}

func (rl *recvLog) snapshot() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]string(nil), rl.lines...)
}

func (rl *recvLog) reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.lines = nil
}

// handleStatus implements GET /status: session state, the current server
// index, the whitelist size, and the number of pending push confirms.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionState": s.bridge.Session.State(),
		"currentIndex": s.bridge.CurrentIndex(),
		"whitelist":    s.bridge.Whitelist.Size(),
		"pushPending":  s.bridge.Push.PendingCount(),
	})
}

// handleServers implements GET /servers: the configured server list.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Servers())
}

// handleLogs implements GET /logs. Structured log output already goes to
// the configured sink (stdout/file via internal/logging); this endpoint
// is a placeholder acknowledging the path exists without duplicating that
// sink in memory.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"note": "see configured log sink"})
}

// handleRecv implements GET /recv: the last N raw lines observed on the
// wire, most useful while debugging a whitelist or parser issue live.
func (s *Server) handleRecv(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	lines := s.recv.snapshot()
	if limit > 0 && limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleRecvReset implements POST /recv/reset: clears the ring.
func (s *Server) handleRecvReset(w http.ResponseWriter, r *http.Request) {
	s.recv.reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleWhitelist implements GET /whitelist: just the current size, since
// the whitelist's backing set isn't otherwise enumerable without adding an
// iteration API the rest of the system never needs — the whitelist source
// itself is out of core scope.
func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"size": s.bridge.Whitelist.Size()})
}

// handleWhitelistReload implements POST /whitelist/reload: re-reads the
// configured whitelist file, atomically swapping the backing set.
func (s *Server) handleWhitelistReload(w http.ResponseWriter, r *http.Request) {
	path := s.bridge.WhitelistPath()
	if path == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no whitelist_path configured"})
		return
	}
	if err := s.bridge.Whitelist.Load(path); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"size": s.bridge.Whitelist.Size()})
}

// handleCommands and handleReloadCommands acknowledge the command-catalog
// endpoints; the catalog itself (the set of recognized raw-send command
// tokens) is operator
// documentation, not bridge state, so there's nothing to reload here
// beyond returning success.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"VGS#", "VSW", "VLB#", "VGB#", "SW"})
}

func (s *Server) handleReloadCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLoggingStatus, handleLoggingStart, handleLoggingStop implement the
// /logging/{status,start,stop} trio. Logging itself is always on (slog is
// always writing somewhere), and the recv ring always captures: start only
// acknowledges, stop clears the ring without stopping capture, and status
// reports whether the ring has a non-zero bound plus how many lines it holds.
func (s *Server) handleLoggingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capturing": s.recv.max > 0, "buffered": len(s.recv.snapshot())})
}

func (s *Server) handleLoggingStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleLoggingStop(w http.ResponseWriter, r *http.Request) {
	s.recv.reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
