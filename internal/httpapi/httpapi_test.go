package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/bridge"
	"github.com/qlinkbridge/qlink-bridge/internal/config"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeController accepts one connection, ignores the handshake, and
// replies to VGS#/VLB# lines deterministically enough for handler tests.
func fakeController(t *testing.T) (addrStr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			fields := strings.Fields(line)
			switch {
			case strings.HasPrefix(line, "VGS#"):
				conn.Write([]byte("RGS# " + strings.Join(fields[1:], " ") + " 1\r\n"))
			case strings.HasPrefix(line, "VLB#"):
				conn.Write([]byte("RLB# " + strings.Join(fields[1:], " ") + "\r\n"))
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestServer(t *testing.T) (*httptest.Server, *bridge.Bridge) {
	t.Helper()
	addrStr, closeConn := fakeController(t)
	t.Cleanup(closeConn)

	host, port, _ := strings.Cut(addrStr, ":")
	yaml := "servers:\n  - name: main\n    host: " + host + "\n    port: " + port + "\nmin_gap_ms: 0\n"
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}

	b, err := bridge.New(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(b.Close)
	go b.Queue.Run(context.Background())

	if err := b.ConnectIndex(0); err != nil {
		t.Fatalf("ConnectIndex: %v", err)
	}
	waitForConnected(t, b)

	router := NewRouter(b, nil, testLogger())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, b
}

func waitForConnected(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Session.State() == "connected" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never connected")
}

func TestSwitchReadHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status/vgs?m=2&s=20&b=7&maxMs=2000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["value"].(float64) != 1 {
		t.Fatalf("body = %v", body)
	}
	if resp.Header.Get("X-VGS-Source") == "" {
		t.Error("missing X-VGS-Source header")
	}
}

func TestSwitchReadInvalidInput(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status/vgs?m=-1&s=1&b=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSwitchReadBoolFormatWithNoCacheReturnsFalse(t *testing.T) {
	srv, b := newTestServer(t)
	b.Disconnect()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.Session.State() != "disconnected" {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(srv.URL + "/status/vgs?m=9&s=9&b=9&format=bool&maxMs=50")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Status-Error") == "" {
		t.Error("missing X-Status-Error header")
	}
	var body map[string]bool
	json.NewDecoder(resp.Body).Decode(&body)
	if body["value"] != false {
		t.Fatalf("body = %v, want value=false", body)
	}
}

func TestSwitchWriteHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/test/vsw?m=1&s=2&b=3&state=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["command"] != "VSW 1 2 3 1" {
		t.Fatalf("body = %v", body)
	}
}

func TestLoadSetHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"master":3,"enclosure":1,"module":1,"load":2,"level":75,"maxMs":2000}`
	resp, err := http.Post(srv.URL+"/dim", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Load-Command") != "VLB#" {
		t.Errorf("X-Load-Command = %q", resp.Header.Get("X-Load-Command"))
	}
}

func TestConnectDisconnectHandlers(t *testing.T) {
	srv, b := newTestServer(t)

	resp, err := http.Post(srv.URL+"/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	resp.Body.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.Session.State() != "disconnected" {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Session.State() != "disconnected" {
		t.Fatalf("state = %q, want disconnected", b.Session.State())
	}

	resp2, err := http.Post(srv.URL+"/connect", "application/json", bytes.NewBufferString(`{"serverIndex":0}`))
	if err != nil {
		t.Fatalf("POST connect: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
}

func TestStatusAndRecvHandlers(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	http.Get(srv.URL + "/status/vgs?m=9&s=9&b=9&maxMs=2000")
	time.Sleep(30 * time.Millisecond)

	resp2, err := http.Get(srv.URL + "/recv")
	if err != nil {
		t.Fatalf("GET /recv: %v", err)
	}
	defer resp2.Body.Close()
	var lines []string
	json.NewDecoder(resp2.Body).Decode(&lines)
	if len(lines) == 0 {
		t.Error("expected at least one captured line")
	}
}

func TestWhitelistHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/whitelist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
