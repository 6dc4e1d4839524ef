package mvc

import (
	"time"

	"github.com/benbjohnson/clock"
)

// busyPhase is the state of the device-busy policy within one Decode call.
type busyPhase int

const (
	busyClear      busyPhase = iota // engine accepted the last submission
	busyWaiting                     // busy, first deadline running
	busyAfterReset                  // busy persisted, engine was reset once
	busyFailed                      // busy persisted after the reset
)

// busyAction tells the submit loop what to do after a busy status.
type busyAction int

const (
	busyRetry busyAction = iota
	busyDoReset
	busyGiveUp
)

// busyTracker applies the busy policy: retry until the deadline, reset the
// engine once, retry until a second deadline, then give up. Any non-busy
// status rearms the deadline but keeps the reset count.
type busyTracker struct {
	clock    clock.Clock
	timeout  time.Duration
	phase    busyPhase
	deadline time.Time
	resets   int
}

func newBusyTracker(clk clock.Clock, timeout time.Duration) *busyTracker {
	b := &busyTracker{clock: clk, timeout: timeout}
	b.rearm()
	return b
}

func (b *busyTracker) rearm() {
	b.deadline = b.clock.Now().Add(b.timeout)
}

// progress records a non-busy status.
func (b *busyTracker) progress() {
	b.phase = busyClear
	b.rearm()
}

// busy records a busy status and returns the next action.
func (b *busyTracker) busy() busyAction {
	if b.phase == busyClear {
		b.phase = busyWaiting
	}
	if b.clock.Now().Before(b.deadline) {
		return busyRetry
	}
	if b.resets >= 1 {
		b.phase = busyFailed
		return busyGiveUp
	}
	b.resets++
	b.phase = busyAfterReset
	b.rearm()
	return busyDoReset
}
