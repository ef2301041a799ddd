package dispatcher

import "errors"

// Error taxonomy. AwaitersSaturated/Timeout/Disconnected
// are produced by the awaiter registry and propagate through unwrapped
// (checked with errors.Is against awaiter.ErrSaturated etc.); these two
// are dispatcher's own.
var (
	ErrNotConnected = errors.New("dispatcher: not connected")
	ErrInvalidInput = errors.New("dispatcher: invalid input")
)
