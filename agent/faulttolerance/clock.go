package faulttolerance

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time so that timeouts and delays can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Ticker delivers ticks on a channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock returns the wall clock. Durations are measured with the
// monotonic reading carried by time.Now.
func RealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) NewTicker(d time.Duration) Ticker { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ManualClock is a Clock that only moves when told to. Callbacks that become
// due during Advance run synchronously on the goroutine calling Advance, in
// deadline order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	timers  map[uint64]*manualTimer
	tickers map[*manualTicker]struct{}
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:     start,
		timers:  make(map[uint64]*manualTimer),
		tickers: make(map[*manualTicker]struct{}),
	}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, id: c.seq, when: c.now.Add(d), fn: f}
	c.timers[t.id] = t
	return t
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("faulttolerance: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers[t] = struct{}{}
	return t
}

// PendingTimers returns the number of scheduled callbacks that have not run.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d, firing every due callback and tick.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *ManualClock) Set(t time.Time) {
	c.advanceTo(t)
}

func (c *ManualClock) advanceTo(target time.Time) {
	for {
		c.mu.Lock()
		due := c.nextDueLocked(target)
		if due == nil {
			c.now = target
			c.fireTickersLocked()
			c.mu.Unlock()
			return
		}
		delete(c.timers, due.id)
		if due.when.After(c.now) {
			c.now = due.when
		}
		c.mu.Unlock()

		// Callbacks may schedule further timers, so the lock is released.
		due.fn()
	}
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.when.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].id < due[j].id
		}
		return due[i].when.Before(due[j].when)
	})
	return due[0]
}

func (c *ManualClock) fireTickersLocked() {
	for t := range c.tickers {
		if t.next.After(c.now) {
			continue
		}
		for !t.next.After(c.now) {
			t.next = t.next.Add(t.period)
		}
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
	when  time.Time
	fn    func()
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

type manualTicker struct {
	clock  *ManualClock
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.tickers, t)
}
