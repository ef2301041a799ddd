package push

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/clock"
	"github.com/qlinkbridge/qlink-bridge/internal/whitelist"
)

type fakeConfirmer struct {
	mu      sync.Mutex
	calls   int
	value   int
	ok      bool
	pushed  []addr.Switch
	pushVal []int
}

func (f *fakeConfirmer) ConfirmRead(ctx context.Context, sa addr.Switch, maxMs int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.value, f.ok
}

func (f *fakeConfirmer) SetPushState(sa addr.Switch, value int, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, sa)
	f.pushVal = append(f.pushVal, value)
}

func (f *fakeConfirmer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConfirmer) Pushed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pushVal...)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleEventDropsOutsideWhitelist(t *testing.T) {
	wl := whitelist.New(true) // strict, empty set = deny-all
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 10*time.Millisecond, testLogger())

	p.HandleEvent(addr.Switch{Master: 2, Station: 20, Button: 7}, 1)
	time.Sleep(50 * time.Millisecond)

	if conf.Calls() != 0 {
		t.Fatalf("expected no confirm read for a non-whitelisted switch, got %d calls", conf.Calls())
	}
}

func TestHandleEventConfirmsAfterDebounce(t *testing.T) {
	sa := addr.Switch{Master: 2, Station: 20, Button: 7}
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":2,"s":20,"b":7}]`))
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 30*time.Millisecond, testLogger())

	p.HandleEvent(sa, 1)
	if conf.Calls() != 0 {
		t.Fatal("confirm should not have fired yet")
	}
	time.Sleep(100 * time.Millisecond)
	if conf.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", conf.Calls())
	}
	pushed := conf.Pushed()
	if len(pushed) != 1 || pushed[0] != 1 {
		t.Fatalf("pushed = %v", pushed)
	}
}

func TestHandleEventReleaseUsesShortDelay(t *testing.T) {
	sa := addr.Switch{Master: 2, Station: 20, Button: 7}
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":2,"s":20,"b":7}]`))
	conf := &fakeConfirmer{ok: true, value: 0}
	p := New(wl, conf, clock.New(), 5*time.Second, testLogger())

	p.HandleEvent(sa, 0)
	time.Sleep(120 * time.Millisecond)
	if conf.Calls() != 1 {
		t.Fatalf("release event should confirm within ~60ms regardless of a long debounce, got %d calls", conf.Calls())
	}
}

func TestHandleEventCancelAndReplace(t *testing.T) {
	sa := addr.Switch{Master: 2, Station: 20, Button: 7}
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":2,"s":20,"b":7}]`))
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 60*time.Millisecond, testLogger())

	p.HandleEvent(sa, 1)
	time.Sleep(20 * time.Millisecond)
	p.HandleEvent(sa, 1) // replaces the first timer before it fires
	time.Sleep(150 * time.Millisecond)

	if conf.Calls() != 1 {
		t.Fatalf("calls = %d, want exactly 1 (cancel-and-replace)", conf.Calls())
	}
}

func TestFailedConfirmDoesNotSetPushState(t *testing.T) {
	sa := addr.Switch{Master: 2, Station: 20, Button: 7}
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":2,"s":20,"b":7}]`))
	conf := &fakeConfirmer{ok: false}
	p := New(wl, conf, clock.New(), 10*time.Millisecond, testLogger())

	p.HandleEvent(sa, 1)
	time.Sleep(50 * time.Millisecond)

	if len(conf.Pushed()) != 0 {
		t.Fatalf("expected no push state written on failed confirm, got %v", conf.Pushed())
	}
}

func TestCancelAllStopsAllTimers(t *testing.T) {
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":1,"s":1,"b":1},{"m":2,"s":2,"b":2}]`))
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 50*time.Millisecond, testLogger())

	p.HandleEvent(addr.Switch{Master: 1, Station: 1, Button: 1}, 1)
	p.HandleEvent(addr.Switch{Master: 2, Station: 2, Button: 2}, 1)
	if p.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", p.PendingCount())
	}

	p.CancelAll()
	if p.PendingCount() != 0 {
		t.Fatalf("pending after CancelAll = %d, want 0", p.PendingCount())
	}

	time.Sleep(100 * time.Millisecond)
	if conf.Calls() != 0 {
		t.Fatalf("expected no confirms after CancelAll, got %d", conf.Calls())
	}
}

// numGoroutinesStable polls runtime.NumGoroutine() until it stops
// decreasing or the deadline passes, letting already-scheduled goroutines
// actually exit before the count is sampled.
func numGoroutinesStable(t *testing.T) int {
	t.Helper()
	last := runtime.NumGoroutine()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		n := runtime.NumGoroutine()
		if n >= last {
			return n
		}
		last = n
	}
	return last
}

func TestCancelAndReplaceDoesNotLeakAwaitConfirmGoroutine(t *testing.T) {
	sa := addr.Switch{Master: 3, Station: 3, Button: 3}
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":3,"s":3,"b":3}]`))
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 200*time.Millisecond, testLogger())

	before := numGoroutinesStable(t)

	for i := 0; i < 20; i++ {
		p.HandleEvent(sa, 1) // each call replaces the previous pending timer
	}
	time.Sleep(300 * time.Millisecond) // let the surviving confirm fire

	after := numGoroutinesStable(t)
	if after > before+1 {
		t.Fatalf("goroutine count = %d before, %d after 20 cancel-and-replace cycles; want no net growth", before, after)
	}
}

func TestCancelAllDoesNotLeakAwaitConfirmGoroutine(t *testing.T) {
	wl := whitelist.New(true)
	wl.LoadBytes([]byte(`[{"m":4,"s":4,"b":4},{"m":5,"s":5,"b":5}]`))
	conf := &fakeConfirmer{ok: true, value: 1}
	p := New(wl, conf, clock.New(), 5*time.Second, testLogger())

	before := numGoroutinesStable(t)

	p.HandleEvent(addr.Switch{Master: 4, Station: 4, Button: 4}, 1)
	p.HandleEvent(addr.Switch{Master: 5, Station: 5, Button: 5}, 1)
	p.CancelAll()

	after := numGoroutinesStable(t)
	if after > before {
		t.Fatalf("goroutine count = %d before, %d after CancelAll; want the two awaitConfirm goroutines to exit", before, after)
	}
}
