// Package addr defines the two device address types the bridge deals in —
// switch addresses (master/station/button) and load addresses
// (master/enclosure/module/load) — and their canonical key forms.
package addr

import "fmt"

// Switch is a (master, station, button) triple identifying a single
// Vantage switch/button input.
type Switch struct {
	Master, Station, Button int
}

// Valid reports whether all components are non-negative.
func (s Switch) Valid() bool {
	return s.Master >= 0 && s.Station >= 0 && s.Button >= 0
}

// String renders the display form "m/s/b".
func (s Switch) String() string {
	return fmt.Sprintf("%d/%d/%d", s.Master, s.Station, s.Button)
}

// Key renders the wire/map form "m-s-b" used as a cache and awaiter key.
func (s Switch) Key() string {
	return fmt.Sprintf("%d-%d-%d", s.Master, s.Station, s.Button)
}

// Load is a (master, enclosure, module, load) quadruple identifying a
// single dimmer load.
type Load struct {
	Master, Enclosure, Module, LoadNum int
}

// Valid reports whether the enclosure/module/load fall within the wire
// protocol's 1..4 / 1..4 / 1..8 ranges and master is non-negative.
func (l Load) Valid() bool {
	return l.Master >= 0 &&
		l.Enclosure >= 1 && l.Enclosure <= 4 &&
		l.Module >= 1 && l.Module <= 4 &&
		l.LoadNum >= 1 && l.LoadNum <= 8
}

// Key renders the wire/map form "m-e-mod-l" used as a cache and awaiter key.
func (l Load) Key() string {
	return fmt.Sprintf("%d-%d-%d-%d", l.Master, l.Enclosure, l.Module, l.LoadNum)
}

func (l Load) String() string { return l.Key() }
