package dispatcher

import "time"

// SwitchReadOpts configures one SwitchRead call, matching the option set
// for /status/vgs.
type SwitchReadOpts struct {
	CacheMs  int
	MaxMs    int
	JitterMs int
}

// SwitchResult is what SwitchRead hands back to the HTTP boundary; the
// boundary decides how to render it for format=json|raw|bool.
type SwitchResult struct {
	HasValue bool
	Value    int
	Raw      string
	Source   string
	TS       time.Time
	Stale    bool // true when served from a cache entry after a failed live read
}

// LoadResult is shared by LoadSet and LoadRead.
type LoadResult struct {
	HasValue bool
	Level    int
	Fade     *float64
	Raw      string
	Source   string
	TS       time.Time
}

// RawResult is what SwitchWrite and RawSend hand back: the command that
// was written plus whatever lines were collected during the wait/quiet
// window (possibly none).
type RawResult struct {
	Command string
	Lines   []string
}
