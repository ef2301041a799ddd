// Package whitelist implements a reloadable set of switch addresses gating
// the push pipeline.
package whitelist

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
)

// Whitelist answers Contains queries for the push pipeline. The backing
// set is reloaded by an atomic pointer swap so readers never block on a
// reload and never see a partially-updated set.
type Whitelist struct {
	strict bool // empty-set policy: true=deny-all, false=allow-all
	set    atomic.Pointer[map[string]struct{}]
}

// entry is one element of the on-disk JSON list: an object with "m", "s"
// and "b" keys.
type entry struct {
	Master  int `json:"m"`
	Station int `json:"s"`
	Button  int `json:"b"`
}

// New returns an empty Whitelist with the given empty-set policy.
func New(strict bool) *Whitelist {
	w := &Whitelist{strict: strict}
	empty := map[string]struct{}{}
	w.set.Store(&empty)
	return w
}

// Contains reports whether sa is present in the current set. If the set
// is empty, the strict flag decides: true = deny-all, false = allow-all.
func (w *Whitelist) Contains(sa addr.Switch) bool {
	set := w.set.Load()
	if set == nil || len(*set) == 0 {
		return !w.strict
	}
	_, ok := (*set)[sa.Key()]
	return ok
}

// Load reads a JSON whitelist file and atomically replaces the set.
// File format: a JSON array of {"m":int,"s":int,"b":int} objects.
func (w *Whitelist) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading whitelist %q: %w", path, err)
	}
	return w.LoadBytes(data)
}

// LoadBytes parses raw JSON bytes and atomically replaces the set.
func (w *Whitelist) LoadBytes(data []byte) error {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing whitelist: %w", err)
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		sa := addr.Switch{Master: e.Master, Station: e.Station, Button: e.Button}
		set[sa.Key()] = struct{}{}
	}
	w.set.Store(&set)
	return nil
}

// Size returns the number of entries in the current set.
func (w *Whitelist) Size() int {
	set := w.set.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}
