package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts completion tokens and rejected replies since local
// midnight. Safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	rejected int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnTokens records one completed request.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// OnRejected records one reply suppressed by the outbound filter.
func (d *DailyTokens) OnRejected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.rejected++
}

// Snapshot returns today's input tokens, output tokens and request
// count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.input, d.output, d.requests
}

// Rejected returns today's rejected reply count.
func (d *DailyTokens) Rejected() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.rejected
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input, d.output, d.requests, d.rejected = 0, 0, 0, 0
		d.resetDay = today
	}
}
