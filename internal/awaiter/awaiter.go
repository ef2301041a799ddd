// Package awaiter implements a per-key registry of one-shot waiters
// matching asynchronous replies to in-flight requests, plus the bare-reply
// FIFO.
package awaiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSaturated is returned by Await when a key already holds the
	// configured maximum of pending waiters.
	ErrSaturated = errors.New("awaiter: saturated")
	// ErrTimeout is delivered to a waiter whose deadline elapsed first.
	ErrTimeout = errors.New("awaiter: timeout")
	// ErrDisconnected is delivered to every waiter on CancelAll.
	ErrDisconnected = errors.New("awaiter: disconnected")
)

// waiter is a single registered Await call.
type waiter struct {
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	value string
	err   error
}

// Registry holds per-key waiter lists and the bare-reply FIFO. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*waiter
	maxPer  int

	bareFIFO []string
}

// New returns a Registry capping each key at maxPerKey pending waiters.
func New(maxPerKey int) *Registry {
	return &Registry{
		waiters: make(map[string][]*waiter),
		maxPer:  maxPerKey,
	}
}

// Await registers a new waiter for key with the given deadline and
// returns a function to block for the result. Registration happens
// synchronously so the caller can register before issuing the write: the
// awaiter is registered before the write is issued, so replies cannot be
// lost to registration races.
func (r *Registry) Await(ctx context.Context, key string, deadline time.Duration) (func() (string, error), error) {
	r.mu.Lock()
	if len(r.waiters[key]) >= r.maxPer {
		r.mu.Unlock()
		return nil, ErrSaturated
	}

	w := &waiter{resultCh: make(chan result, 1)}
	w.timer = time.AfterFunc(deadline, func() {
		r.timeoutWaiter(key, w)
	})
	r.waiters[key] = append(r.waiters[key], w)
	r.mu.Unlock()

	return func() (string, error) {
		select {
		case res := <-w.resultCh:
			return res.value, res.err
		case <-ctx.Done():
			r.removeWaiter(key, w)
			w.timer.Stop()
			return "", ctx.Err()
		}
	}, nil
}

func (r *Registry) timeoutWaiter(key string, w *waiter) {
	r.mu.Lock()
	removed := r.removeWaiterLocked(key, w)
	r.mu.Unlock()
	if removed {
		w.resultCh <- result{err: ErrTimeout}
	}
}

func (r *Registry) removeWaiter(key string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeWaiterLocked(key, w)
}

// removeWaiterLocked removes w from key's list if present, reporting
// whether it was found (i.e. hadn't already been resolved/timed out by
// someone else). Must be called with mu held.
func (r *Registry) removeWaiterLocked(key string, w *waiter) bool {
	list := r.waiters[key]
	for i, cand := range list {
		if cand == w {
			r.waiters[key] = append(list[:i], list[i+1:]...)
			if len(r.waiters[key]) == 0 {
				delete(r.waiters, key)
			}
			return true
		}
	}
	return false
}

// Resolve broadcasts raw to every waiter registered on key and empties the
// list atomically: a successful match resolves every awaiter in the list
// (broadcast) and empties the list atomically.
func (r *Registry) Resolve(key, raw string) int {
	r.mu.Lock()
	list := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, w := range list {
		w.timer.Stop()
		w.resultCh <- result{value: raw}
	}
	return len(list)
}

// Reject rejects every waiter registered on key with err and empties the
// list, without touching any other key. Used when a queued write fails
// before a reply could ever arrive (e.g. the session was not connected),
// so the caller doesn't have to wait out the full deadline for something
// that can never resolve.
func (r *Registry) Reject(key string, err error) int {
	r.mu.Lock()
	list := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, w := range list {
		w.timer.Stop()
		w.resultCh <- result{err: err}
	}
	return len(list)
}

// CancelAll rejects every pending waiter across every key with reason and
// clears the bare-FIFO — disconnect teardown.
func (r *Registry) CancelAll(reason error) {
	r.mu.Lock()
	all := r.waiters
	r.waiters = make(map[string][]*waiter)
	r.bareFIFO = nil
	r.mu.Unlock()

	for _, list := range all {
		for _, w := range list {
			w.timer.Stop()
			w.resultCh <- result{err: reason}
		}
	}
}

// PushBareEligible appends key to the tail of the bare-reply FIFO: a
// subsequent bare "0"|"1" line with no address will be attributed to the
// oldest entry.
func (r *Registry) PushBareEligible(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bareFIFO = append(r.bareFIFO, key)
}

// PopBareEligible removes and returns the oldest bare-FIFO entry, or ""
// and false if the FIFO is empty.
func (r *Registry) PopBareEligible() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bareFIFO) == 0 {
		return "", false
	}
	key := r.bareFIFO[0]
	r.bareFIFO = r.bareFIFO[1:]
	return key, true
}

// RemoveBareEligible removes key from the FIFO if present, wherever it
// sits: a SwitchReply for key removes it from the bare-FIFO even if a bare
// reply never arrives for it.
func (r *Registry) RemoveBareEligible(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, k := range r.bareFIFO {
		if k == key {
			r.bareFIFO = append(r.bareFIFO[:i], r.bareFIFO[i+1:]...)
			return
		}
	}
}

// PendingCount returns the number of outstanding waiters for key (test/
// metrics helper).
func (r *Registry) PendingCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key])
}
