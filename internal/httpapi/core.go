package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/dispatcher"
)

// handleSwitchRead implements GET /status/vgs. format controls the
// response body; headers always carry the
// source/cache/age/note contract regardless of format.
func (s *Server) handleSwitchRead(w http.ResponseWriter, r *http.Request) {
	sa := addr.Switch{
		Master:  queryInt(r, "m", -1),
		Station: queryInt(r, "s", -1),
		Button:  queryInt(r, "b", -1),
	}
	if !sa.Valid() {
		writeErr(w, dispatcher.ErrInvalidInput)
		return
	}

	opts := dispatcher.SwitchReadOpts{
		CacheMs:  queryInt(r, "cacheMs", 0),
		MaxMs:    queryInt(r, "maxMs", 0),
		JitterMs: queryInt(r, "jitterMs", 0),
	}
	res, err := s.bridge.Dispatcher.SwitchRead(r.Context(), sa, opts)
	if err != nil && !res.HasValue {
		// format=bool never errors out: with no cache to fall back on it
		// still answers false, just flagged via X-Status-Error.
		if r.URL.Query().Get("format") == "bool" {
			w.Header().Set("X-Status-Error", err.Error())
			writeJSON(w, http.StatusOK, map[string]bool{"value": false})
			return
		}
		writeErr(w, err)
		return
	}

	w.Header().Set("X-VGS-Source", res.Source)
	if res.Stale {
		w.Header().Set("X-VGS-Cache", "stale")
		w.Header().Set("X-Status-Fallback", "stale-cache")
		w.Header().Set("X-VGS-Note", err.Error())
	} else {
		w.Header().Set("X-VGS-Cache", "fresh")
	}
	if !res.TS.IsZero() {
		w.Header().Set("X-VGS-Age", strconv.FormatInt(time.Since(res.TS).Milliseconds(), 10))
	}

	switch r.URL.Query().Get("format") {
	case "raw":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(res.Raw))
	case "bool":
		writeJSON(w, http.StatusOK, map[string]bool{"value": res.Value != 0})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"value": res.Value, "raw": res.Raw, "source": res.Source, "stale": res.Stale,
		})
	}
}

// handleSwitchWrite implements GET/POST /test/vsw — SwitchWrite.
func (s *Server) handleSwitchWrite(w http.ResponseWriter, r *http.Request) {
	sa := addr.Switch{
		Master:  queryInt(r, "m", -1),
		Station: queryInt(r, "s", -1),
		Button:  queryInt(r, "b", -1),
	}
	state := queryInt(r, "state", -1)
	waitMs := queryInt(r, "waitMs", 0)

	res, err := s.bridge.Dispatcher.SwitchWrite(r.Context(), sa, state, waitMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": res.Command, "lines": res.Lines})
}

// loadSetBody is the JSON body accepted by POST /dim.
type loadSetBody struct {
	Master    int      `json:"master"`
	Enclosure int      `json:"enclosure"`
	Module    int      `json:"module"`
	Load      int      `json:"load"`
	Level     int      `json:"level"`
	Fade      *float64 `json:"fade,omitempty"`
	MaxMs     int      `json:"maxMs,omitempty"`
}

// handleLoadSet implements POST /dim — LoadSet.
func (s *Server) handleLoadSet(w http.ResponseWriter, r *http.Request) {
	var body loadSetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, dispatcher.ErrInvalidInput)
		return
	}
	la := addr.Load{Master: body.Master, Enclosure: body.Enclosure, Module: body.Module, LoadNum: body.Load}

	res, err := s.bridge.Dispatcher.LoadSet(r.Context(), la, body.Level, body.Fade, body.MaxMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeLoadHeaders(w, "VLB#", res)
	writeJSON(w, http.StatusOK, map[string]any{"level": res.Level, "fade": res.Fade, "source": res.Source})
}

// handleLoadRead implements GET /dim — LoadRead.
func (s *Server) handleLoadRead(w http.ResponseWriter, r *http.Request) {
	la := addr.Load{
		Master:    queryInt(r, "m", -1),
		Enclosure: queryInt(r, "e", -1),
		Module:    queryInt(r, "module", -1),
		LoadNum:   queryInt(r, "load", -1),
	}
	cacheMs := queryInt(r, "cacheMs", 0)
	maxMs := queryInt(r, "maxMs", 0)

	res, err := s.bridge.Dispatcher.LoadRead(r.Context(), la, cacheMs, maxMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeLoadHeaders(w, "VGB#", res)
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(res.Raw))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": res.Level, "fade": res.Fade, "source": res.Source})
}

func writeLoadHeaders(w http.ResponseWriter, command string, res dispatcher.LoadResult) {
	w.Header().Set("X-Load-Command", command)
	w.Header().Set("X-Load-Source", res.Source)
	w.Header().Set("X-Load-Level", strconv.Itoa(res.Level))
	if res.Fade != nil {
		w.Header().Set("X-Load-Fade", strconv.FormatFloat(*res.Fade, 'f', -1, 64))
	}
	if res.HasValue {
		w.Header().Set("X-Load-Cache", "fresh")
	}
}

// sendBody is the JSON body accepted by POST /send.
type sendBody struct {
	Command string `json:"command"`
	Data    string `json:"data"`
	WaitMs  int    `json:"waitMs,omitempty"`
	QuietMs int    `json:"quietMs,omitempty"`
	MaxMs   int    `json:"maxMs,omitempty"`
}

// handleRawSend implements POST /send — RawSend.
func (s *Server) handleRawSend(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, dispatcher.ErrInvalidInput)
		return
	}
	line := body.Command
	if line == "" {
		line = body.Data
	}

	res, err := s.bridge.Dispatcher.RawSend(r.Context(), line, dispatcher.RawSendOpts{
		WaitMs: body.WaitMs, QuietMs: body.QuietMs, MaxMs: body.MaxMs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": res.Command, "lines": res.Lines})
}

// connectBody is the JSON body accepted by POST /connect.
type connectBody struct {
	ServerIndex int `json:"serverIndex"`
}

// handleConnect implements POST /connect — Session.Connect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body connectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, dispatcher.ErrInvalidInput)
		return
	}
	if err := s.bridge.ConnectIndex(body.ServerIndex); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.bridge.Session.State()})
}

// handleDisconnect implements POST /disconnect — Session.Disconnect.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.bridge.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.bridge.Session.State()})
}
