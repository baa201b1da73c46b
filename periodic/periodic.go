// Package periodic schedules handlers at a fixed period aligned to the
// wall clock, the driver for polled I/O and heartbeat tags. Fire times
// are the multiples of the period; an overrunning handler skips the
// ticks it missed rather than backlogging them.
package periodic

import (
	"context"
	"fmt"
	"time"
)

// A Handler does one tick of work. Returning an error stops the loop.
type Handler func(ctx context.Context) error

// nextAfter returns the first multiple of period strictly after now.
func nextAfter(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period).Add(period)
}

// Run calls fn at every multiple of period until the context ends or fn
// returns an error. Because the next fire time is computed from the
// clock after fn returns, a slow tick delays only itself.
func Run(ctx context.Context, period time.Duration, fn Handler) error {
	if period <= 0 {
		return fmt.Errorf("periodic: period %v is not positive", period)
	}
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		now := time.Now()
		timer.Reset(nextAfter(now, period).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := fn(ctx); err != nil {
			return err
		}
	}
}
