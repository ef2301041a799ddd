package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/awaiter"
	"github.com/qlinkbridge/qlink-bridge/internal/protocol"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

// LoadSet sends VLB# m e mod load level [fade]. An omitted fade defaults
// to DEFAULT_LOAD_FADE_SECONDS rather than being sent bare — this
// implementation always sends a fade value on the wire, filling in the
// default whenever the caller doesn't supply one.
func (d *Dispatcher) LoadSet(ctx context.Context, la addr.Load, level int, fade *float64, maxMs int) (LoadResult, error) {
	if !la.Valid() || level < 0 || level > 100 {
		return LoadResult{}, ErrInvalidInput
	}
	if fade == nil {
		def := d.defaultLoadFade
		fade = &def
	}
	if *fade < 0 || *fade > 6553 {
		return LoadResult{}, ErrInvalidInput
	}

	key := la.Key()
	cmd := protocol.LoadSet(la, level, fade)
	deadline := clampMaxMs(maxMs)

	wait, err := d.loadAwaiters.Await(ctx, key, deadline)
	if err != nil {
		if errors.Is(err, awaiter.ErrSaturated) {
			d.observeAwaiterSaturated("load")
		}
		return LoadResult{}, err
	}

	full := protocol.Terminate(cmd, d.lineEnding)
	sendDone := make(chan error, 1)
	sendErr := d.queue.Enqueue(queue.SendItem{
		Send:       func() error { return d.writer.Write(full) },
		Priority:   queue.PriorityRead, // VLB sits in the read-priority tier
		EnqueuedAt: d.clock.Now(),
		Label:      "VLB#",
		Done:       sendDone,
	})
	if sendErr != nil {
		d.loadAwaiters.Reject(key, sendErr)
	} else {
		go func() {
			if err := <-sendDone; err != nil {
				d.loadAwaiters.Reject(key, err)
			}
		}()
	}

	raw, waitErr := wait()
	if waitErr != nil {
		return LoadResult{}, waitErr
	}
	rec, _ := d.loadCache.Get(key)
	return LoadResult{HasValue: true, Level: rec.Level, Fade: rec.Fade, Raw: raw, Source: string(rec.Source), TS: rec.TS}, nil
}

// LoadRead: fresh-cache hit, in-flight coalesce, or a fresh VGB# request.
func (d *Dispatcher) LoadRead(ctx context.Context, la addr.Load, cacheMs, maxMs int) (LoadResult, error) {
	if !la.Valid() {
		return LoadResult{}, ErrInvalidInput
	}
	key := la.Key()
	now := d.clock.Now()

	cacheWindow := time.Duration(cacheMs) * time.Millisecond
	if rec, ok := d.loadCache.Get(key); ok && cacheWindow > 0 && now.Sub(rec.TS) < cacheWindow {
		d.observeCacheHit("load")
		return LoadResult{HasValue: true, Level: rec.Level, Fade: rec.Fade, Raw: rec.Raw, Source: string(rec.Source), TS: rec.TS}, nil
	}
	d.observeCacheMiss("load")

	d.inflightMu.Lock()
	_, exists := d.loadInflight[key]
	leader := !exists
	if leader {
		d.loadInflight[key] = struct{}{}
	}
	d.inflightMu.Unlock()

	deadline := clampMaxMs(maxMs)
	wait, err := d.loadAwaiters.Await(ctx, key, deadline)
	if err != nil {
		if leader {
			d.inflightMu.Lock()
			delete(d.loadInflight, key)
			d.inflightMu.Unlock()
		}
		if errors.Is(err, awaiter.ErrSaturated) {
			d.observeAwaiterSaturated("load")
		}
		return LoadResult{}, err
	}

	if leader {
		cmd := protocol.LoadRead(la)
		full := protocol.Terminate(cmd, d.lineEnding)
		sendDone := make(chan error, 1)
		sendErr := d.queue.Enqueue(queue.SendItem{
			Send:       func() error { return d.writer.Write(full) },
			Priority:   queue.PriorityRead,
			EnqueuedAt: d.clock.Now(),
			Label:      "VGB#",
			Done:       sendDone,
		})
		if sendErr != nil {
			d.loadAwaiters.Reject(key, sendErr)
		} else {
			go func() {
				if err := <-sendDone; err != nil {
					d.loadAwaiters.Reject(key, err)
				}
			}()
		}
	}

	raw, waitErr := wait()
	if leader {
		d.inflightMu.Lock()
		delete(d.loadInflight, key)
		d.inflightMu.Unlock()
	}
	if waitErr != nil {
		return LoadResult{}, waitErr
	}
	rec, _ := d.loadCache.Get(key)
	return LoadResult{HasValue: true, Level: rec.Level, Fade: rec.Fade, Raw: raw, Source: string(rec.Source), TS: rec.TS}, nil
}
