package realtime

import (
	"sync"
	"time"
)

// Clock abstracts time so reconnect and reconciliation timers can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Scheduler hands out cancellable tasks. A cancelled task never runs again,
// even if its timer already fired and the callback is waiting to start.
type Scheduler struct {
	clock Clock
}

// NewScheduler returns a scheduler on clock (SystemClock when nil).
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock}
}

// Task is a scheduled callback.
type Task struct {
	mu        sync.Mutex
	timer     Timer
	cancelled bool
	done      bool
}

// Cancel stops the task. It is safe to call more than once.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.mu.Lock()
	t.timer = s.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled || t.done {
			t.mu.Unlock()
			return
		}
		t.done = true
		t.mu.Unlock()
		fn()
	})
	t.mu.Unlock()
	return t
}

// Every runs fn each interval until cancelled. The next run is armed only
// after fn returns, so runs never overlap.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Task {
	t := &Task{}
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cancelled {
			return
		}
		t.timer = s.clock.AfterFunc(interval, func() {
			if t.Cancelled() {
				return
			}
			fn()
			arm()
		})
	}
	arm()
	return t
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}
