package watchdog

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts timer creation so session and sweep behavior is
// deterministic under test.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable timer handle.
type Timer interface {
	Stop() bool
}

// RealClock uses the runtime clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool { return t.timer.Stop() }

// ManualClock is a test clock: time only moves via Advance, which fires due
// timers in order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{fireAt: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every timer due at the new time.
// Callbacks run without the clock lock held, so they may arm new timers.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue()
		if t == nil {
			return
		}
		t.mu.Lock()
		fn, stopped := t.fn, t.stopped
		t.mu.Unlock()
		if !stopped && fn != nil {
			fn()
		}
	}
}

// Pending reports how many timers are armed and not yet fired or stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (c *ManualClock) popDue() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.timers[:0]
	for _, t := range c.timers {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].fireAt.Before(c.timers[j].fireAt)
	})
	for i, t := range c.timers {
		if !t.fireAt.After(c.now) {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return t
		}
	}
	return nil
}

type manualTimer struct {
	mu      sync.Mutex
	fireAt  time.Time
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
