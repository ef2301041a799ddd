// Package push implements the push pipeline: an unsolicited SW event is
// gated by the whitelist, debounced per key, and
// turned into authoritative PushState by a confirm read.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/clock"
	"github.com/qlinkbridge/qlink-bridge/internal/whitelist"
)

// releaseDelay and confirmMaxMs are two fixed values, not configuration
// options: a v==0 (release) event
// confirms quickly; a v==1 (press) event waits the full debounce; the
// confirm read itself has a fixed 2s deadline regardless of DEBOUNCE_MS.
const (
	releaseDelay = 60 * time.Millisecond
	confirmMaxMs = 2000
)

// Confirmer is the narrow capability the push pipeline needs from the
// dispatcher — a cold authoritative read and a way to record the result
// — rather than the whole Dispatcher: break the cyclic reference by
// giving the push pipeline a small capability object.
type Confirmer interface {
	ConfirmRead(ctx context.Context, sa addr.Switch, maxMs int) (value int, ok bool)
	SetPushState(sa addr.Switch, value int, ts time.Time)
}

// Pipeline owns one debounce timer per switch address currently in
// flight between its first SW event and the confirm that follows.
type Pipeline struct {
	whitelist  *whitelist.Whitelist
	confirmer  Confirmer
	clock      clock.Clock
	debounceMs time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingConfirm
}

// pendingConfirm pairs a debounce timer with an abort channel: Stop()ing
// the timer (real or fake) never sends on its channel, so awaitConfirm
// must also select on abort to unblock when the timer is canceled
// instead of firing.
type pendingConfirm struct {
	timer clock.Timer
	abort chan struct{}
}

// New returns a Pipeline. debounceMs is DEBOUNCE_MS from config, applied
// to v==1 (press) events; v==0 (release) events always use the fixed
// 60ms release delay.
func New(wl *whitelist.Whitelist, confirmer Confirmer, clk clock.Clock, debounceMs time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		whitelist:  wl,
		confirmer:  confirmer,
		clock:      clk,
		debounceMs: debounceMs,
		logger:     logger,
		pending:    make(map[string]*pendingConfirm),
	}
}

// HandleEvent processes one SW m s b v line. Cancels any pending confirm
// for sa and schedules a new one. Asymmetric delay:
// release events confirm fast for UI responsiveness; press events
// debounce in case more are coming in a burst.
func (p *Pipeline) HandleEvent(sa addr.Switch, value int) {
	if !p.whitelist.Contains(sa) {
		return
	}

	delay := p.debounceMs
	if value == 0 {
		delay = releaseDelay
	}

	key := sa.Key()
	entry := &pendingConfirm{timer: p.clock.NewTimer(delay), abort: make(chan struct{})}

	p.mu.Lock()
	if old, ok := p.pending[key]; ok {
		old.timer.Stop()
		close(old.abort)
	}
	p.pending[key] = entry
	p.mu.Unlock()

	go p.awaitConfirm(key, sa, entry)
}

// awaitConfirm blocks on the timer firing or on abort, whichever comes
// first. abort is closed by a later HandleEvent replacing this entry or
// by CancelAll, since Stop()ing timer never sends on its channel — without
// the abort case this goroutine would leak for every canceled timer.
func (p *Pipeline) awaitConfirm(key string, sa addr.Switch, entry *pendingConfirm) {
	select {
	case <-entry.timer.C():
	case <-entry.abort:
		return
	}

	p.mu.Lock()
	current, ok := p.pending[key]
	if !ok || current != entry {
		p.mu.Unlock()
		return
	}
	delete(p.pending, key)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), confirmMaxMs*time.Millisecond)
	defer cancel()

	value, ok := p.confirmer.ConfirmRead(ctx, sa, confirmMaxMs)
	if !ok {
		// Failed push confirm does not mutate state and is not retried.
		if p.logger != nil {
			p.logger.Debug("push confirm failed", "switch", sa.String())
		}
		return
	}
	p.confirmer.SetPushState(sa, value, p.clock.Now())
}

// CancelAll stops every pending confirm timer without running a confirm
// read, for disconnect teardown: every pending push-confirm timer is
// canceled.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.pending {
		entry.timer.Stop()
		close(entry.abort)
		delete(p.pending, key)
	}
}

// PendingCount reports the number of switch addresses with an in-flight
// confirm timer (test/metrics helper).
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
