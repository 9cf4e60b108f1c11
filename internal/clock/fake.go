package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Timers and tickers fire only from
// Advance, on the goroutine that calls it.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	waiters map[int]*fakeWaiter
}

type fakeWaiter struct {
	id       int
	deadline time.Time
	fn       func()
	ticker   *fakeTicker
}

func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start, waiters: map[int]*fakeWaiter{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.addLocked(d, fn, nil)
	return &fakeTimer{clock: f, id: w.id}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, interval: d, ch: make(chan time.Time, 1)}
	t.id = f.addLocked(d, nil, t).id
	return t
}

// Pending reports how many timers and tickers are armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the interval in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		delete(f.waiters, next.id)
		if next.ticker != nil {
			next.ticker.id = f.addLocked(next.ticker.interval, nil, next.ticker).id
			select {
			case next.ticker.ch <- f.now:
			default:
			}
		}
		fn := next.fn
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (f *Fake) addLocked(d time.Duration, fn func(), ticker *fakeTicker) *fakeWaiter {
	f.nextID++
	w := &fakeWaiter{id: f.nextID, deadline: f.now.Add(d), fn: fn, ticker: ticker}
	f.waiters[w.id] = w
	return w
}

func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	due := make([]*fakeWaiter, 0, len(f.waiters))
	for _, w := range f.waiters {
		if !w.deadline.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (f *Fake) remove(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.waiters[id]; !ok {
		return false
	}
	delete(f.waiters, id)
	return true
}

type fakeTimer struct {
	clock *Fake
	id    int
}

func (t *fakeTimer) Stop() bool {
	return t.clock.remove(t.id)
}

type fakeTicker struct {
	clock    *Fake
	id       int
	interval time.Duration
	ch       chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.waiters, t.id)
}
