package kline

import (
	"sync/atomic"
	"time"
)

// EventClock is a clock driven by trade timestamps. Replays use it so reads
// anchored to "now" see the buckets of the events being replayed.
// Until the first Advance it reports wall-clock time.
type EventClock struct {
	unix atomic.Int64
}

// NewEventClock creates an unset EventClock.
func NewEventClock() *EventClock { return &EventClock{} }

// Advance moves the clock to ts (unix seconds). The clock never moves
// backwards, so an out-of-order trade leaves it unchanged.
func (c *EventClock) Advance(ts int64) {
	for {
		cur := c.unix.Load()
		if ts <= cur || c.unix.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Now returns the latest advanced time.
func (c *EventClock) Now() time.Time {
	if ts := c.unix.Load(); ts > 0 {
		return time.Unix(ts, 0)
	}
	return time.Now()
}
