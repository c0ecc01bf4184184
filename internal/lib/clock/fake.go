package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time stands still until a test advances it.
// Timers and tickers created from it fire during Advance, synchronously, so
// tests never need to sleep.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	ch       chan time.Time
}

// NewFakeClock returns a FakeClock frozen at the given time.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		interval: d,
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, waiter: w}
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline is reached. Sends never block: a ticker whose channel is full
// coalesces missed ticks exactly as time.Ticker does.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		for !w.deadline.After(f.now) {
			select {
			case w.ch <- w.deadline:
			default:
			}
			if w.interval == 0 {
				break
			}
			w.deadline = w.deadline.Add(w.interval)
		}
		if w.interval != 0 || w.deadline.After(f.now) {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

type fakeTicker struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (f *fakeTicker) C() <-chan time.Time {
	return f.waiter.ch
}

func (f *fakeTicker) Stop() {
	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	for i, w := range f.clock.waiters {
		if w == f.waiter {
			f.clock.waiters = append(f.clock.waiters[:i], f.clock.waiters[i+1:]...)
			return
		}
	}
}
