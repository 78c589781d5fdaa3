package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{deadline: f.now.Add(d), ch: ch})
	f.cond.Broadcast()
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{f: f, interval: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	f.cond.Broadcast()
	return t
}

// Advance moves the fake time forward, firing timers and tickers that become
// due. Ticks nobody is ready to receive are dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)

	remaining := f.timers[:0]
	for _, timer := range f.timers {
		if timer.deadline.After(target) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- timer.deadline
	}
	f.timers = remaining

	for _, t := range f.tickers {
		for !t.next.After(target) {
			if !t.stopped {
				select {
				case t.ch <- t.next:
				default:
				}
			}
			t.next = t.next.Add(t.interval)
		}
	}

	f.now = target
}

// BlockUntil waits until at least n waiters (pending timers plus live
// tickers) are registered. Tests use it to line up a goroutine on After
// before advancing.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.waiters() < n {
		f.cond.Wait()
	}
}

func (f *Fake) waiters() int {
	count := len(f.timers)
	for _, t := range f.tickers {
		if !t.stopped {
			count++
		}
	}
	return count
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeTicker struct {
	f        *Fake
	interval time.Duration
	next     time.Time
	stopped  bool
	ch       chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.stopped = true
}
