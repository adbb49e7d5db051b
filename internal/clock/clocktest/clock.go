// Package clocktest provides a manually advanced clock.Clock.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/admin-session/internal/clock"
)

// FakeClock is a deterministic Clock for tests. Timers and tickers fire
// only when Advance moves time past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

var _ clock.Clock = (*FakeClock)(nil)

type waiter struct {
	clk      *FakeClock
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	ch       chan time.Time
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements clock.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer implements clock.Clock. A non-positive duration fires on the
// next Advance, including Advance(0).
func (c *FakeClock) NewTimer(d time.Duration) clock.Timer {
	return c.add(d, 0)
}

// NewTicker implements clock.Clock.
func (c *FakeClock) NewTicker(d time.Duration) clock.Ticker {
	if d <= 0 {
		panic("clocktest: non-positive ticker interval")
	}
	return tickerWaiter{c.add(d, d)}
}

func (c *FakeClock) add(d, period time.Duration) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{
		clk:      c,
		deadline: c.now.Add(d),
		period:   period,
		ch:       make(chan time.Time, 1),
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves time forward by d, firing every timer and ticker whose
// deadline is reached, in deadline order. Like the time package, a tick
// is dropped when the previous one has not been received yet.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.now.Add(d)
	for {
		sort.SliceStable(c.waiters, func(i, j int) bool {
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		})
		if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
			break
		}

		w := c.waiters[0]
		if w.deadline.After(c.now) {
			c.now = w.deadline
		}

		select {
		case w.ch <- c.now:
		default:
		}

		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			c.waiters = c.waiters[1:]
		}
	}
	c.now = target
}

// Waiters returns the number of active timers and tickers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// NextDeadline returns the earliest pending deadline.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return time.Time{}, false
	}
	next := c.waiters[0].deadline
	for _, w := range c.waiters[1:] {
		if w.deadline.Before(next) {
			next = w.deadline
		}
	}
	return next, true
}

func (w *waiter) C() <-chan time.Time { return w.ch }

// Stop reports whether the waiter was still pending.
func (w *waiter) Stop() bool {
	c := w.clk
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

type tickerWaiter struct{ *waiter }

func (t tickerWaiter) Stop() { t.waiter.Stop() }
