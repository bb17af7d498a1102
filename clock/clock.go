// Package clock encapsulates "now" behind a per-source clock object, per
// the design note on mixed wall-clock/virtual-clock sources (§9): a File
// source's clock is the timestamp of the last packet it delivered; a Live
// source's clock is the wall clock. This is a direct generalization of the
// teacher's clockWrapper/realClock pair (pcap/clock.go), split into two
// concrete implementations instead of one.
package clock

import "time"

// Clock reports the "now" a GC sweep should use for a given source.
type Clock interface {
	Now() time.Time
}

// Wall is a Clock backed by the real wall-clock time, used by Live sources.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// Virtual is a Clock driven by the timestamp of the last packet delivered
// by a File source. It never goes backwards: Advance is a no-op for
// timestamps at or before the current value.
type Virtual struct {
	last time.Time
}

// Advance moves the virtual clock forward to ts, if ts is later than the
// clock's current value.
func (v *Virtual) Advance(ts time.Time) {
	if ts.After(v.last) {
		v.last = ts
	}
}

// Now returns the virtual clock's current value.
func (v *Virtual) Now() time.Time {
	return v.last
}
