package realtime

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAfter(t *testing.T) {
	t.Run("runs once after delay", func(t *testing.T) {
		clock := newFakeClock()
		s := NewScheduler(clock)
		var runs atomic.Int32
		s.After(3*time.Second, func() { runs.Add(1) })

		clock.Advance(2 * time.Second)
		if runs.Load() != 0 {
			t.Fatal("ran before its delay")
		}
		clock.Advance(time.Second)
		clock.Advance(10 * time.Second)
		if got := runs.Load(); got != 1 {
			t.Fatalf("runs = %d, want 1", got)
		}
	})

	t.Run("cancel prevents run", func(t *testing.T) {
		clock := newFakeClock()
		s := NewScheduler(clock)
		var runs atomic.Int32
		task := s.After(time.Second, func() { runs.Add(1) })
		task.Cancel()
		task.Cancel()

		clock.Advance(time.Minute)
		if runs.Load() != 0 {
			t.Fatal("cancelled task ran")
		}
		if !task.Cancelled() {
			t.Fatal("expected Cancelled")
		}
	})

	t.Run("nil task cancel is safe", func(t *testing.T) {
		var task *Task
		task.Cancel()
	})
}

func TestSchedulerEvery(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock)
	var runs atomic.Int32
	task := s.Every(5*time.Second, func() { runs.Add(1) })

	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	task.Cancel()
	clock.Advance(time.Minute)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs after cancel = %d, want 3", got)
	}
	if clock.pending() != 0 {
		t.Fatalf("pending timers = %d after cancel", clock.pending())
	}
}
