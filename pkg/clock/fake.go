package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	ch       chan time.Time
	fn       func()
	done     bool
}

// NewFake returns a FakeClock starting at initial.
func NewFake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.add(&fakeTimer{clock: c, deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc runs f synchronously inside Advance. With d <= 0 it runs f
// before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &fakeTimer{clock: c, done: true}
	}
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.add(t)
	c.mu.Unlock()
	return t
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves time forward by d and fires every timer whose deadline
// has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.fn != nil {
				t.fn()
				continue
			}
			select {
			case t.ch <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. It closes
// the race between a goroutine arming a timer and the test advancing.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of armed timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) add(t *fakeTimer) {
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
}

func (c *FakeClock) collect(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, rest []*fakeTimer
	for _, t := range c.pending {
		if t.deadline.After(target) {
			rest = append(rest, t)
			continue
		}
		t.done = true
		due = append(due, t)
	}
	c.pending = rest
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return true
}
