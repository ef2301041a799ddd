package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/awaiter"
	"github.com/qlinkbridge/qlink-bridge/internal/cache"
	"github.com/qlinkbridge/qlink-bridge/internal/clock"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

func newRunningQueue() *queue.SendQueue {
	q := queue.New(0, nil)
	go q.Run(context.Background())
	return q
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu      sync.Mutex
	writes  []string
	onWrite func(cmd string)
	failErr error
}

func (w *fakeWriter) Write(p []byte) error {
	cmd := strings.TrimRight(string(p), "\r\n")
	w.mu.Lock()
	w.writes = append(w.writes, cmd)
	w.mu.Unlock()
	if w.failErr != nil {
		return w.failErr
	}
	if w.onWrite != nil {
		w.onWrite(cmd)
	}
	return nil
}

func (w *fakeWriter) State() string { return "connected" }

func (w *fakeWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func newTestDispatcher(writer Writer) *Dispatcher {
	cfg := Config{
		LineEnding:              "\r\n",
		PushFreshMs:             10000,
		DefaultLoadFadeSeconds:  3,
		SwitchAwaitersMaxPerKey: 200,
		LoadAwaitersMaxPerKey:   200,
	}
	// queue pacing disabled (0) so tests aren't slowed by MIN_GAP_MS.
	q := newRunningQueue()
	return New(writer, q, clock.New(), cfg, testLogger())
}

func TestSwitchReadCacheHit(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	now := time.Now()
	d.switchCache.Put("2-20-7", cache.SwitchRecord{Value: 1, Raw: "RGS# 2 20 7 1", TS: now, Source: cache.SourceRGS})

	res, err := d.SwitchRead(context.Background(), addr.Switch{Master: 2, Station: 20, Button: 7}, SwitchReadOpts{CacheMs: 1000})
	if err != nil {
		t.Fatalf("SwitchRead: %v", err)
	}
	if !res.HasValue || res.Value != 1 || res.Source != "cache" {
		t.Fatalf("got %+v", res)
	}
	if w.Count() != 0 {
		t.Errorf("expected zero writes on cache hit, got %d", w.Count())
	}
}

func TestSwitchReadPushStateFreshness(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	d.SetPushState(addr.Switch{Master: 2, Station: 20, Button: 7}, 1, time.Now())

	res, err := d.SwitchRead(context.Background(), addr.Switch{Master: 2, Station: 20, Button: 7}, SwitchReadOpts{})
	if err != nil {
		t.Fatalf("SwitchRead: %v", err)
	}
	if !res.HasValue || res.Value != 1 || res.Source != string(cache.SourcePushState) {
		t.Fatalf("got %+v", res)
	}
	if w.Count() != 0 {
		t.Errorf("expected zero writes, got %d", w.Count())
	}
}

func TestSwitchReadCoalescesConcurrentRequests(t *testing.T) {
	sa := addr.Switch{Master: 3, Station: 9, Button: 34}
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	w.onWrite = func(cmd string) {
		if strings.HasPrefix(cmd, "VGS#") {
			go d.OnLine("RGS# 3 9 34 1")
		}
	}

	const n = 10
	results := make([]SwitchResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.SwitchRead(context.Background(), sa, SwitchReadOpts{MaxMs: 2000})
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if w.Count() != 1 {
		t.Fatalf("expected exactly one VGS# write, got %d: %v", w.Count(), w.writes)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
		if results[i].Raw != "RGS# 3 9 34 1" || results[i].Value != 1 {
			t.Errorf("result %d = %+v", i, results[i])
		}
	}
}

func TestSwitchReadBareReplyAttribution(t *testing.T) {
	sa := addr.Switch{Master: 1, Station: 9, Button: 34}
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	w.onWrite = func(cmd string) {
		if strings.HasPrefix(cmd, "VGS#") {
			go d.OnLine("1")
		}
	}

	res, err := d.SwitchRead(context.Background(), sa, SwitchReadOpts{MaxMs: 2000})
	if err != nil {
		t.Fatalf("SwitchRead: %v", err)
	}
	if !res.HasValue || res.Value != 1 || res.Raw != "1" {
		t.Fatalf("got %+v", res)
	}
	rec, ok := d.SwitchCacheEntry(sa)
	if !ok || rec.Value != 1 || rec.Source != cache.SourceBare {
		t.Fatalf("cache = %+v, %v", rec, ok)
	}
}

func TestSwitchReadFailureFallsBackToStaleCache(t *testing.T) {
	sa := addr.Switch{Master: 4, Station: 4, Button: 4}
	boom := errors.New("write failed")
	w := &fakeWriter{failErr: boom}
	d := newTestDispatcher(w)
	stale := time.Now().Add(-60 * time.Second)
	d.switchCache.Put(sa.Key(), cache.SwitchRecord{Value: 0, Raw: "RGS# 4 4 4 0", TS: stale, Source: cache.SourceRGS})

	res, err := d.SwitchRead(context.Background(), sa, SwitchReadOpts{MaxMs: 200})
	if err == nil {
		t.Fatal("expected an error alongside the stale fallback")
	}
	if !res.HasValue || !res.Stale || res.Value != 0 {
		t.Fatalf("got %+v", res)
	}
}

func TestSwitchReadNoCacheNoFallback(t *testing.T) {
	sa := addr.Switch{Master: 5, Station: 5, Button: 5}
	boom := errors.New("write failed")
	w := &fakeWriter{failErr: boom}
	d := newTestDispatcher(w)

	res, err := d.SwitchRead(context.Background(), sa, SwitchReadOpts{MaxMs: 200})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.HasValue {
		t.Fatalf("expected no value, got %+v", res)
	}
}

func TestSwitchWriteEnqueuesAtWritePriority(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	res, err := d.SwitchWrite(context.Background(), addr.Switch{Master: 1, Station: 2, Button: 3}, 1, 0)
	if err != nil {
		t.Fatalf("SwitchWrite: %v", err)
	}
	if res.Command != "VSW 1 2 3 1" {
		t.Fatalf("command = %q", res.Command)
	}
	if w.Count() != 1 {
		t.Fatalf("writes = %d", w.Count())
	}
}

func TestLoadSetRoundtrip(t *testing.T) {
	la := addr.Load{Master: 3, Enclosure: 1, Module: 1, LoadNum: 2}
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	w.onWrite = func(cmd string) {
		if strings.HasPrefix(cmd, "VLB#") {
			go d.OnLine("RLB# 3 1 1 2 75 3")
		}
	}

	fade := 3.0
	res, err := d.LoadSet(context.Background(), la, 75, &fade, 2000)
	if err != nil {
		t.Fatalf("LoadSet: %v", err)
	}
	if !res.HasValue || res.Level != 75 || res.Fade == nil || *res.Fade != 3 {
		t.Fatalf("got %+v", res)
	}

	if w.writes[0] != "VLB# 3 1 1 2 75 3" {
		t.Fatalf("command = %q", w.writes[0])
	}

	cached, ok := d.loadCache.Get(la.Key())
	if !ok || cached.Level != 75 {
		t.Fatalf("cache = %+v, %v", cached, ok)
	}
}

func TestLoadReadCacheHit(t *testing.T) {
	la := addr.Load{Master: 3, Enclosure: 1, Module: 1, LoadNum: 2}
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	now := time.Now()
	d.loadCache.Put(la.Key(), cache.LoadRecord{Level: 50, TS: now, Source: cache.SourceRGB})

	res, err := d.LoadRead(context.Background(), la, 1000, 2000)
	if err != nil {
		t.Fatalf("LoadRead: %v", err)
	}
	if !res.HasValue || res.Level != 50 {
		t.Fatalf("got %+v", res)
	}
	if w.Count() != 0 {
		t.Errorf("expected cache hit with zero writes, got %d", w.Count())
	}
}

func TestRawSendCollectsUntilQuiet(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	w.onWrite = func(cmd string) {
		go func() {
			d.OnLine("SW 1 1 1 1")
			time.Sleep(5 * time.Millisecond)
			d.OnLine("SW 1 1 1 0")
		}()
	}

	res, err := d.RawSend(context.Background(), "STATUSALL", RawSendOpts{QuietMs: 30, MaxMs: 500})
	if err != nil {
		t.Fatalf("RawSend: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %v", res.Lines)
	}
}

func TestInvalidInputRejected(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	_, err := d.SwitchWrite(context.Background(), addr.Switch{Master: 1, Station: 1, Button: 1}, 2, 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	_, err = d.LoadSet(context.Background(), addr.Load{Master: 1, Enclosure: 1, Module: 1, LoadNum: 1}, 200, nil, 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestOnDisconnectCancelsAwaiters(t *testing.T) {
	sa := addr.Switch{Master: 9, Station: 9, Button: 9}
	w := &fakeWriter{}
	d := newTestDispatcher(w)

	done := make(chan error, 1)
	go func() {
		_, err := d.SwitchRead(context.Background(), sa, SwitchReadOpts{MaxMs: 5000})
		done <- err
	}()

	waitForQueueActivity(t, w)
	d.OnDisconnect(errors.New("disconnected"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected disconnect error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SwitchRead never returned after OnDisconnect")
	}
}

func TestLineObserverSeesEveryLine(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	var seen []string
	var mu sync.Mutex
	d.SetLineObserver(func(line string) {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()
	})

	d.OnLine("SW 1 2 3 1")
	d.OnLine("RGS# 1 2 3 1")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("seen = %v", seen)
	}
}

type fakeObserver struct {
	mu        sync.Mutex
	hits      []string
	misses    []string
	saturated []string
}

func (o *fakeObserver) CacheHit(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = append(o.hits, kind)
}

func (o *fakeObserver) CacheMiss(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses = append(o.misses, kind)
}

func (o *fakeObserver) AwaiterSaturated(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saturated = append(o.saturated, kind)
}

func TestObserverSeesSwitchCacheHitAndMiss(t *testing.T) {
	w := &fakeWriter{failErr: errors.New("not connected")}
	d := newTestDispatcher(w)
	obs := &fakeObserver{}
	d.SetObserver(obs)

	now := time.Now()
	d.switchCache.Put("2-20-7", cache.SwitchRecord{Value: 1, Raw: "RGS# 2 20 7 1", TS: now, Source: cache.SourceRGS})
	if _, err := d.SwitchRead(context.Background(), addr.Switch{Master: 2, Station: 20, Button: 7}, SwitchReadOpts{CacheMs: 1000}); err != nil {
		t.Fatalf("SwitchRead: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.SwitchRead(ctx, addr.Switch{Master: 9, Station: 9, Button: 9}, SwitchReadOpts{MaxMs: 50})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.hits) != 1 || obs.hits[0] != "switch" {
		t.Errorf("hits = %v, want [switch]", obs.hits)
	}
	if len(obs.misses) != 1 || obs.misses[0] != "switch" {
		t.Errorf("misses = %v, want [switch]", obs.misses)
	}
}

func TestObserverSeesAwaiterSaturation(t *testing.T) {
	w := &fakeWriter{}
	cfg := Config{
		LineEnding:              "\r\n",
		PushFreshMs:             10000,
		DefaultLoadFadeSeconds:  3,
		SwitchAwaitersMaxPerKey: 1,
		LoadAwaitersMaxPerKey:   1,
	}
	q := newRunningQueue()
	d := New(w, q, clock.New(), cfg, testLogger())
	obs := &fakeObserver{}
	d.SetObserver(obs)

	sa := addr.Switch{Master: 1, Station: 1, Button: 1}
	ctx := context.Background()
	// A capacity-1 registry: each SwitchRead on sa registers its own
	// waiter (not just the leader), so a second concurrent call on the
	// same key overflows it.
	go d.SwitchRead(ctx, sa, SwitchReadOpts{MaxMs: 500})
	time.Sleep(20 * time.Millisecond)
	if _, err := d.SwitchRead(ctx, sa, SwitchReadOpts{MaxMs: 500}); !errors.Is(err, awaiter.ErrSaturated) {
		t.Fatalf("err = %v, want awaiter.ErrSaturated", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.saturated) == 0 || obs.saturated[len(obs.saturated)-1] != "switch" {
		t.Errorf("saturated = %v, want at least one \"switch\"", obs.saturated)
	}
}

func waitForQueueActivity(t *testing.T, w *fakeWriter) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w.Count() > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("write never observed")
}

