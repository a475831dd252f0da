package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Run loads immediately and then every interval until the context is
// cancelled. A failed cycle is not retried early: it has already logged its
// error and raised its notice, and the next attempt comes one interval later.
// With interval <= 0 it runs a single cycle and returns.
func (d *Dashboard) Run(ctx context.Context, interval time.Duration) error {
	d.logger.Info("refresh loop started", "interval", interval)

	for {
		_ = d.Load(ctx)
		if ctx.Err() != nil {
			d.logger.Info("refresh loop stopping", "reason", ctx.Err())
			return nil
		}
		if interval <= 0 {
			return nil
		}

		if !sleepWithContext(ctx, d.clock, interval) {
			d.logger.Info("refresh loop stopping", "reason", ctx.Err())
			return nil
		}
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
