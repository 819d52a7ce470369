package tick

// Timer is a countdown clocked by the caller in ticks. It counts elapsed
// ticks while running and stops itself once the timeout is reached.
type Timer struct {
	ticksPerSec  int
	timeoutTicks int
	currentTicks int
	running      bool
}

// NewTimer creates a timer with ticksPerSec resolution and an optional
// timeout.
func NewTimer(ticksPerSec int, secs, msecs int) *Timer {
	t := &Timer{ticksPerSec: ticksPerSec}
	if secs > 0 || msecs > 0 {
		t.SetTimeout(secs, msecs)
	}
	return t
}

func (t *Timer) SetTimeout(secs, msecs int) {
	t.timeoutTicks = secs*t.ticksPerSec + msecs*t.ticksPerSec/1000
}

// Start restarts the countdown, optionally with a new timeout
func (t *Timer) Start(secs, msecs int) {
	if secs > 0 || msecs > 0 {
		t.SetTimeout(secs, msecs)
	}
	t.currentTicks = 0
	t.running = true
}

// HasExpired reports whether the timeout was reached. A timer without a
// timeout never expires.
func (t *Timer) HasExpired() bool {
	if t.timeoutTicks == 0 {
		return false
	}
	return t.currentTicks >= t.timeoutTicks
}

// Clock advances a running timer by ticks
func (t *Timer) Clock(ticks int) {
	if !t.running {
		return
	}
	t.currentTicks += ticks
	if t.currentTicks >= t.timeoutTicks {
		t.running = false
	}
}
