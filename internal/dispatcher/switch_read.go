package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/awaiter"
	"github.com/qlinkbridge/qlink-bridge/internal/cache"
	"github.com/qlinkbridge/qlink-bridge/internal/protocol"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

// SwitchRead implements a four-tier algorithm: push-state freshness, cache
// freshness, in-flight coalescing, then a fresh request.
func (d *Dispatcher) SwitchRead(ctx context.Context, sa addr.Switch, opts SwitchReadOpts) (SwitchResult, error) {
	if !sa.Valid() {
		return SwitchResult{}, ErrInvalidInput
	}
	key := sa.Key()
	now := d.clock.Now()

	// Tier 1: push-state freshness.
	if ps, ok := d.pushStates.Get(key); ok && now.Sub(ps.TS) < d.pushFreshMs {
		d.observeCacheHit("switch")
		return SwitchResult{HasValue: true, Value: ps.Value, Source: string(cache.SourcePushState), TS: ps.TS}, nil
	}

	// Tier 2: cache freshness.
	cacheMs := time.Duration(opts.CacheMs) * time.Millisecond
	if rec, ok := d.switchCache.Get(key); ok && cacheMs > 0 && now.Sub(rec.TS) < cacheMs {
		d.observeCacheHit("switch")
		return SwitchResult{HasValue: true, Value: rec.Value, Raw: rec.Raw, Source: "cache", TS: rec.TS}, nil
	}

	d.observeCacheMiss("switch")
	raw, err := d.switchReadLive(ctx, sa, opts)
	if err == nil {
		rec, _ := d.switchCache.Get(key)
		return SwitchResult{HasValue: true, Value: rec.Value, Raw: raw, Source: string(rec.Source), TS: rec.TS}, nil
	}

	// Failure path: serve stale cache if any exists at all, with
	// X-Status-Fallback: stale-cache.
	if rec, ok := d.switchCache.Get(key); ok {
		return SwitchResult{HasValue: true, Value: rec.Value, Raw: rec.Raw, Source: string(rec.Source), TS: rec.TS, Stale: true}, err
	}
	return SwitchResult{}, err
}

// ConfirmRead performs a cold live read bypassing the push-state and cache
// freshness tiers entirely — the capability the push pipeline uses to
// issue its post-debounce confirm, since the whole point of a confirm is
// to never trust state the pipeline is itself about to overwrite.
func (d *Dispatcher) ConfirmRead(ctx context.Context, sa addr.Switch, maxMs int) (int, bool) {
	if _, err := d.switchReadLive(ctx, sa, SwitchReadOpts{MaxMs: maxMs}); err != nil {
		return 0, false
	}
	rec, ok := d.switchCache.Get(sa.Key())
	if !ok {
		return 0, false
	}
	return rec.Value, true
}

// switchReadLive performs tiers 3-4: coalesce onto an in-flight request,
// or become the leader that issues a fresh VGS# and waits for the reply.
func (d *Dispatcher) switchReadLive(ctx context.Context, sa addr.Switch, opts SwitchReadOpts) (string, error) {
	key := sa.Key()
	maxMs := clampMaxMs(opts.MaxMs)

	d.inflightMu.Lock()
	_, leader := d.switchInflight[key]
	leader = !leader
	if leader {
		d.switchInflight[key] = struct{}{}
	}
	d.inflightMu.Unlock()

	// Ordering guarantee: register before the write is issued, for both
	// the leader and any coalescing followers.
	wait, err := d.switchAwaiters.Await(ctx, key, maxMs)
	if err != nil {
		if leader {
			d.inflightMu.Lock()
			delete(d.switchInflight, key)
			d.inflightMu.Unlock()
		}
		if errors.Is(err, awaiter.ErrSaturated) {
			d.observeAwaiterSaturated("switch")
		}
		return "", err
	}

	if leader {
		if opts.JitterMs > 0 {
			d.clock.Sleep(d.clock.Jitter(time.Duration(opts.JitterMs) * time.Millisecond))
		}
		d.switchAwaiters.PushBareEligible(key)

		cmd := protocol.SwitchRead(sa)
		full := protocol.Terminate(cmd, d.lineEnding)
		sendDone := make(chan error, 1)
		sendErr := d.queue.Enqueue(queue.SendItem{
			Send:       func() error { return d.writer.Write(full) },
			Priority:   queue.PriorityRead,
			EnqueuedAt: d.clock.Now(),
			Label:      "VGS#",
			Done:       sendDone,
		})
		if sendErr != nil {
			d.switchAwaiters.RemoveBareEligible(key)
			d.switchAwaiters.Reject(key, sendErr)
		} else {
			// The reply normally arrives on its own line and resolves the
			// awaiter via OnLine; if the write itself failed (e.g. session
			// not connected), no reply will ever come, so reject now
			// instead of waiting out the full deadline.
			go func() {
				if err := <-sendDone; err != nil {
					d.switchAwaiters.RemoveBareEligible(key)
					d.switchAwaiters.Reject(key, err)
				}
			}()
		}
	}

	raw, waitErr := wait()
	if leader {
		d.inflightMu.Lock()
		delete(d.switchInflight, key)
		d.inflightMu.Unlock()
		d.switchAwaiters.RemoveBareEligible(key)
	}
	if waitErr != nil {
		return "", waitErr
	}
	return raw, nil
}
