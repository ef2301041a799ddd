// Package dispatcher composes the send queue, awaiter registries, and
// caches into the five high-level operations: SwitchRead, SwitchWrite,
// LoadSet, LoadRead, RawSend. It also owns the routing of parsed lines
// back into those structures (dispatch of a parsed record), since that
// dispatch only ever touches
// state the Dispatcher already holds.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/awaiter"
	"github.com/qlinkbridge/qlink-bridge/internal/cache"
	"github.com/qlinkbridge/qlink-bridge/internal/clock"
	"github.com/qlinkbridge/qlink-bridge/internal/protocol"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

// Writer is the narrow capability Dispatcher needs from the session: send
// raw bytes, know the current connection state. Kept as an interface so
// dispatcher tests never need a real TCP socket — the same
// capability-object pattern applied one level further down than the push
// pipeline.
type Writer interface {
	Write(p []byte) error
	State() string
}

// Observer is the narrow metrics capability Dispatcher writes to: cache
// hit/miss per read tier and awaiter saturation per rejected key. Left nil
// wherever no metrics are configured (dispatcher tests, metrics disabled).
type Observer interface {
	CacheHit(kind string)
	CacheMiss(kind string)
	AwaiterSaturated(kind string)
}

const (
	defaultMaxMs          = 2000 * time.Millisecond
	minMaxMs              = 50 * time.Millisecond
	pushConfirmMaxMs      = 2000 * time.Millisecond
	defaultRawSendHardCap = 5000 * time.Millisecond
)

// Dispatcher owns the caches, both awaiter registries, the bare-FIFO (via
// the switch registry), in-flight coalescing state, and the raw-line
// collectors RawSend/SwitchWrite use for their wait/quiet windows.
type Dispatcher struct {
	writer     Writer
	queue      *queue.SendQueue
	clock      clock.Clock
	lineEnding string
	logger     *slog.Logger
	observer   Observer

	switchAwaiters *awaiter.Registry
	loadAwaiters   *awaiter.Registry

	switchCache *cache.SwitchCache
	loadCache   *cache.LoadCache
	pushStates  *cache.PushStates

	pushFreshMs      time.Duration
	defaultLoadFade  float64

	inflightMu     sync.Mutex
	switchInflight map[string]struct{}
	loadInflight   map[string]struct{}

	collectorsMu sync.Mutex
	collectors   []*rawCollector

	// onPushEvent forwards unsolicited SW lines to the push pipeline,
	// wired by the bridge facade. Left nil, push events are dropped,
	// which is fine for any test that doesn't care about them.
	onPushEvent func(sa addr.Switch, value int)

	// onLine, if set, observes every framed line regardless of kind —
	// wired by internal/httpapi for the peripheral /recv ring. Separate
	// from the rawCollector taps, which exist only for the lifetime of a
	// RawSend/SwitchWrite wait window.
	onLine func(line string)
}

// Config bundles the tunables Dispatcher needs from internal/config,
// avoiding an import of the config package itself (dispatcher only needs
// values, not the loader).
type Config struct {
	LineEnding             string
	PushFreshMs            int
	DefaultLoadFadeSeconds float64
	SwitchAwaitersMaxPerKey int
	LoadAwaitersMaxPerKey  int
}

// New wires a Dispatcher. q must already be running its pumper (Run
// started elsewhere, owned by the bridge facade alongside the session).
func New(writer Writer, q *queue.SendQueue, clk clock.Clock, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		writer:          writer,
		queue:           q,
		clock:           clk,
		lineEnding:      cfg.LineEnding,
		logger:          logger,
		switchAwaiters:  awaiter.New(cfg.SwitchAwaitersMaxPerKey),
		loadAwaiters:    awaiter.New(cfg.LoadAwaitersMaxPerKey),
		switchCache:     cache.NewSwitchCache(),
		loadCache:       cache.NewLoadCache(),
		pushStates:      cache.NewPushStates(),
		pushFreshMs:     time.Duration(cfg.PushFreshMs) * time.Millisecond,
		defaultLoadFade: cfg.DefaultLoadFadeSeconds,
		switchInflight:  make(map[string]struct{}),
		loadInflight:    make(map[string]struct{}),
	}
}

// SetPushEventHandler wires the push pipeline's event entry point. Called
// once by the bridge facade during startup wiring.
func (d *Dispatcher) SetPushEventHandler(fn func(sa addr.Switch, value int)) {
	d.onPushEvent = fn
}

// SetLineObserver wires a callback invoked with every line OnLine
// receives, regardless of what it parses to.
func (d *Dispatcher) SetLineObserver(fn func(line string)) {
	d.onLine = fn
}

// SetObserver wires the metrics Observer. Called once by the bridge facade
// during startup wiring, only when metrics are enabled.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// SwitchCacheEntry and PushState read one switch address's cached record
// and push state; the load cache has no accessor here.
func (d *Dispatcher) SwitchCacheEntry(sa addr.Switch) (cache.SwitchRecord, bool) {
	return d.switchCache.Get(sa.Key())
}

func (d *Dispatcher) PushState(sa addr.Switch) (cache.PushState, bool) {
	return d.pushStates.Get(sa.Key())
}

// SetPushState implements the narrow capability the push pipeline uses to
// record a confirmed state, mirroring it into SwitchCache too: on success
// the pipeline writes PushState[SA] and mirrors to SwitchCache.
func (d *Dispatcher) SetPushState(sa addr.Switch, value int, ts time.Time) {
	d.pushStates.Set(sa.Key(), cache.PushState{Value: value, TS: ts})
	d.switchCache.Put(sa.Key(), cache.SwitchRecord{
		Value: value, Raw: "", TS: ts, Source: cache.SourcePushState,
	})
}

// OnLine implements session.Listener indirectly (the bridge facade wires
// it in); it is the dispatch-of-a-parsed-record step.
func (d *Dispatcher) OnLine(line string) {
	d.tapCollectors(line)
	if d.onLine != nil {
		d.onLine(line)
	}

	for _, rec := range protocol.Parse(line) {
		switch rec.Kind {
		case protocol.KindPushEvent:
			if d.onPushEvent != nil {
				d.onPushEvent(rec.Switch, rec.Value)
			}

		case protocol.KindSwitchReply:
			key := rec.Switch.Key()
			src := cache.SourceVGS
			if rec.ReplySource == "RGS" {
				src = cache.SourceRGS
			}
			d.switchCache.Put(key, cache.SwitchRecord{
				Value: rec.Value, Raw: rec.Raw, TS: d.clock.Now(),
				Bytes: len(rec.Raw), Source: src,
			})
			d.switchAwaiters.Resolve(key, rec.Raw)
			d.switchAwaiters.RemoveBareEligible(key)

		case protocol.KindLoadReply:
			key := rec.Load.Key()
			src := cache.SourceRLB
			if rec.LoadSource == "RGB" {
				src = cache.SourceRGB
			}
			d.loadCache.Put(key, cache.LoadRecord{
				Level: rec.Value, Fade: rec.Fade, Raw: rec.Raw, TS: d.clock.Now(),
				Bytes: len(rec.Raw), Source: src,
			})
			d.loadAwaiters.Resolve(key, rec.Raw)

		case protocol.KindBareState:
			key, ok := d.switchAwaiters.PopBareEligible()
			if !ok {
				d.logger.Debug("bare reply with empty FIFO, dropped", "line", line)
				continue
			}
			d.switchCache.Put(key, cache.SwitchRecord{
				Value: rec.BareValue, Raw: rec.Raw, TS: d.clock.Now(),
				Bytes: len(rec.Raw), Source: cache.SourceBare,
			})
			d.switchAwaiters.Resolve(key, rec.Raw)
		}
	}
}

// OnDisconnect implements session.Listener: cancel all awaiters.
// Push-timer and bare-FIFO teardown is covered by CancelAll
// clearing the bare-FIFO; push-timer cancellation is the push pipeline's
// own responsibility (it owns its timers).
func (d *Dispatcher) OnDisconnect(reason error) {
	d.switchAwaiters.CancelAll(reason)
	d.loadAwaiters.CancelAll(reason)
}

func (d *Dispatcher) enqueue(ctx context.Context, cmd string, priority int, label string) error {
	done := make(chan error, 1)
	full := protocol.Terminate(cmd, d.lineEnding)
	err := d.queue.Enqueue(queue.SendItem{
		Send:       func() error { return d.writer.Write(full) },
		Priority:   priority,
		EnqueuedAt: d.clock.Now(),
		Label:      label,
		Done:       done,
	})
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", label, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) observeCacheHit(kind string) {
	if d.observer != nil {
		d.observer.CacheHit(kind)
	}
}

func (d *Dispatcher) observeCacheMiss(kind string) {
	if d.observer != nil {
		d.observer.CacheMiss(kind)
	}
}

func (d *Dispatcher) observeAwaiterSaturated(kind string) {
	if d.observer != nil {
		d.observer.AwaiterSaturated(kind)
	}
}

func clampMaxMs(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 {
		return defaultMaxMs
	}
	if d < minMaxMs {
		return minMaxMs
	}
	return d
}
