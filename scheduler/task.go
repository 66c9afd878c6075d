package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskCanceled
	taskDispatched
)

// DeferredTask is a task scheduled once.
type DeferredTask struct {
	timer *time.Timer
	state atomic.Int32
}

// Cancel prevents the task from running. It returns false when the task
// already ran, is running or was canceled before.
func (t *DeferredTask) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCanceled) {
		return false
	}
	t.timer.Stop()
	return true
}

// CallAfter runs fn on the loop once d has elapsed.
func (s *Scheduler) CallAfter(d time.Duration, fn func()) (*DeferredTask, error) {
	if s.isClosing() {
		return nil, ErrClosed
	}

	t := &DeferredTask{}
	t.timer = time.AfterFunc(d, func() {
		s.post(func() {
			if t.state.CompareAndSwap(taskPending, taskDispatched) {
				fn()
			}
		})
	})
	return t, nil
}

// CallAfterIf is CallAfter where fn only runs if check reports true when
// the delay elapses.
func (s *Scheduler) CallAfterIf(d time.Duration, check func() bool, fn func()) (*DeferredTask, error) {
	return s.CallAfter(d, func() {
		if check() {
			fn()
		}
	})
}

// IntervalTask is a task run periodically until canceled. A panicking run
// cancels it.
type IntervalTask struct {
	s  *Scheduler
	fn func()

	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	gen      uint64 // bumped on every cancel and reschedule, stale timers are ignored
	active   bool
}

// CallEvery runs fn on the loop every d until the task is canceled.
func (s *Scheduler) CallEvery(d time.Duration, fn func()) (*IntervalTask, error) {
	if s.isClosing() {
		return nil, ErrClosed
	}

	t := &IntervalTask{s: s, fn: fn, interval: d, active: true}
	t.mu.Lock()
	t.arm()
	t.mu.Unlock()
	return t, nil
}

// CallEveryIf is CallEvery where each run is skipped while check reports false.
func (s *Scheduler) CallEveryIf(d time.Duration, check func() bool, fn func()) (*IntervalTask, error) {
	return s.CallEvery(d, func() {
		if check() {
			fn()
		}
	})
}

// arm starts the timer for the next run. t.mu must be held.
func (t *IntervalTask) arm() {
	gen := t.gen
	t.timer = time.AfterFunc(t.interval, func() {
		t.s.post(func() { t.fire(gen) })
	})
}

func (t *IntervalTask) fire(gen uint64) {
	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.arm()
	t.mu.Unlock()

	if !t.s.run(t.fn) {
		t.Cancel()
	}
}

// Interval returns the current period.
func (t *IntervalTask) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Cancel stops further runs. It returns false if the task was not active.
func (t *IntervalTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false
	}
	t.active = false
	t.gen++
	t.timer.Stop()
	return true
}

// Reschedule restarts the period from now, using d when it is positive.
// A canceled task is re-enabled.
func (t *IntervalTask) Reschedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d > 0 {
		t.interval = d
	}
	t.gen++
	t.timer.Stop()
	t.active = true
	t.arm()
}
