package dispatcher

import (
	"context"
	"time"

	"github.com/qlinkbridge/qlink-bridge/internal/addr"
	"github.com/qlinkbridge/qlink-bridge/internal/protocol"
	"github.com/qlinkbridge/qlink-bridge/internal/queue"
)

// SwitchWrite enqueues VSW at priority 10; if waitMs > 0, collects
// whatever lines arrive during that fixed window.
func (d *Dispatcher) SwitchWrite(ctx context.Context, sa addr.Switch, state int, waitMs int) (RawResult, error) {
	if !sa.Valid() || (state != 0 && state != 1) {
		return RawResult{}, ErrInvalidInput
	}
	cmd := protocol.SwitchWrite(sa, state)

	var collector *rawCollector
	if waitMs > 0 {
		collector = newRawCollector()
		d.addCollector(collector)
		defer d.removeCollector(collector)
	}

	if err := d.enqueue(ctx, cmd, queue.PriorityWrite, "VSW"); err != nil {
		return RawResult{Command: cmd}, err
	}

	if collector != nil {
		d.clock.Sleep(time.Duration(waitMs) * time.Millisecond)
		return RawResult{Command: cmd, Lines: collector.snapshot()}, nil
	}
	return RawResult{Command: cmd}, nil
}
