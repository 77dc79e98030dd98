package door

import (
	"sync"
	"time"

	"pkt.systems/doord/internal/clock"
)

// Timer is a one-shot countdown whose deadline can be pushed out while it
// runs. A single goroutine waits on the clock and re-arms itself when the
// deadline moved, so Extend never spawns work.
type Timer struct {
	clk      clock.Clock
	onExpire func()

	mu       sync.Mutex
	deadline time.Time
	stopped  bool
	fired    bool
	stop     chan struct{}
}

// StartTimer arms a timer that calls onExpire once, d from now, unless it is
// stopped first.
func StartTimer(clk clock.Clock, d time.Duration, onExpire func()) *Timer {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &Timer{
		clk:      clk,
		onExpire: onExpire,
		deadline: clk.Now().Add(d),
		stop:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Extend adds d to the remaining time. It reports false when the timer has
// already stopped or fired.
func (t *Timer) Extend(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.deadline = t.deadline.Add(d)
	return true
}

// Stop cancels the timer. It is idempotent and reports true only for the
// call that prevented the expiry callback.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	close(t.stop)
	return true
}

// Deadline returns the current expiry time.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Remaining returns the time left before expiry, never negative.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return 0
	}
	if left := t.deadline.Sub(t.clk.Now()); left > 0 {
		return left
	}
	return 0
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *Timer) run() {
	for {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		wait := t.deadline.Sub(t.clk.Now())
		if wait <= 0 {
			t.fired = true
			t.mu.Unlock()
			if t.onExpire != nil {
				t.onExpire()
			}
			return
		}
		t.mu.Unlock()
		select {
		case <-t.clk.After(wait):
		case <-t.stop:
			return
		}
	}
}
