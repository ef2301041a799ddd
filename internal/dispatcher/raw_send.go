package dispatcher

import (
	"context"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

// RawSendOpts mirrors the /send option set.
type RawSendOpts struct {
	WaitMs  int
	QuietMs int
	MaxMs   int
}

// RawSend enqueues an arbitrary line at priority 5 ("UI /send") and,
// depending on opts, collects bytes received afterward: a
// fixed WaitMs window, or a QuietMs-of-silence window hard-capped by
// MaxMs (defaulting to 5s if unset).
func (d *Dispatcher) RawSend(ctx context.Context, line string, opts RawSendOpts) (RawResult, error) {
	if line == "" {
		return RawResult{}, ErrInvalidInput
	}

	collector := newRawCollector()
	d.addCollector(collector)
	defer d.removeCollector(collector)

	if err := d.enqueue(ctx, line, queue.PrioritySend, "send"); err != nil {
		return RawResult{Command: line}, err
	}

	switch {
	case opts.QuietMs > 0:
		lines := d.collectUntilQuiet(ctx, collector, opts)
		return RawResult{Command: line, Lines: lines}, nil
	case opts.WaitMs > 0:
		d.clock.Sleep(time.Duration(opts.WaitMs) * time.Millisecond)
		return RawResult{Command: line, Lines: collector.snapshot()}, nil
	default:
		return RawResult{Command: line}, nil
	}
}

func (d *Dispatcher) collectUntilQuiet(ctx context.Context, c *rawCollector, opts RawSendOpts) []string {
	quiet := time.Duration(opts.QuietMs) * time.Millisecond
	hardCap := defaultRawSendHardCap
	if opts.MaxMs > 0 {
		hardCap = time.Duration(opts.MaxMs) * time.Millisecond
	}

	quietTimer := d.clock.NewTimer(quiet)
	hardTimer := d.clock.NewTimer(hardCap)
	defer quietTimer.Stop()
	defer hardTimer.Stop()

	for {
		select {
		case <-c.notify:
			quietTimer.Reset(quiet)
		case <-quietTimer.C():
			return c.snapshot()
		case <-hardTimer.C():
			return c.snapshot()
		case <-ctx.Done():
			return c.snapshot()
		}
	}
}
