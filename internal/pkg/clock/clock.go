// Package clock abstracts wall time so deadline-driven code can be tested
// without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer fires once on C when its deadline passes.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock provides the current time and deadline timers.
//
// Timers take an absolute deadline rather than a duration; a deadline that
// has already passed fires immediately.
type Clock interface {
	Now() time.Time
	TimerAt(deadline time.Time) Timer
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) TimerAt(deadline time.Time) Timer {
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return realTimer{time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
	added   chan struct{}
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC(), added: make(chan struct{}, 1)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) TimerAt(deadline time.Time) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{fake: f, deadline: deadline, ch: make(chan time.Time, 1)}
	if !deadline.After(f.now) {
		t.fired = true
		t.ch <- f.now
		return t
	}
	f.waiters = append(f.waiters, t)
	select {
	case f.added <- struct{}{}:
	default:
	}
	return t
}

// Advance moves the clock forward and fires every timer whose deadline has
// been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t. Moving backwards is ignored.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.Before(f.now) {
		return
	}
	f.now = t.UTC()

	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.fired = true
			w.ch <- f.now
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

// Waiters returns the number of timers that have not fired or been stopped.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntil waits until at least n timers are pending or the timeout passes.
func (f *Fake) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if f.Waiters() >= n {
			return true
		}
		select {
		case <-f.added:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return f.Waiters() >= n
		}
	}
}

type fakeTimer struct {
	fake     *Fake
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	f := t.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.fired {
		return false
	}
	for i, w := range f.waiters {
		if w == t {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}
