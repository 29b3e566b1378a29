package scheduler

import (
	"sync"
	"testing"
)

func TestDelayedRunsOnce(t *testing.T) {
	s := NewScheduler(2)
	var runs []uint64
	s.ScheduleDelayed(func(tick uint64) { runs = append(runs, tick) }, 3, false)
	for tick := uint64(1); tick <= 6; tick++ {
		s.Heartbeat(tick)
	}
	if len(runs) != 1 || runs[0] != 3 {
		t.Fatalf("runs = %v", runs)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
}

func TestRepeatingAndCancel(t *testing.T) {
	s := NewScheduler(2)
	var runs []uint64
	task := s.ScheduleRepeating(func(tick uint64) { runs = append(runs, tick) }, 0, 2, false)
	for tick := uint64(0); tick <= 6; tick++ {
		s.Heartbeat(tick)
	}
	want := []uint64{0, 2, 4, 6}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v, want %v", runs, want)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Fatalf("runs = %v, want %v", runs, want)
		}
	}
	if !s.Cancel(task.ID()) || s.Cancel(task.ID()) {
		t.Fatal("cancel should succeed exactly once")
	}
	s.Heartbeat(8)
	if len(runs) != 4 || !task.Cancelled() {
		t.Fatalf("task ran after cancel: %v", runs)
	}
}

func TestOrderAndPanicRecovery(t *testing.T) {
	s := NewScheduler(1)
	var order []int
	s.Schedule(func(uint64) { order = append(order, 1) }, false)
	s.Schedule(func(uint64) { panic("boom") }, false)
	s.Schedule(func(uint64) { order = append(order, 3) }, false)
	s.Heartbeat(1)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("order = %v", order)
	}
	if s.panics.Load() != 1 || s.Ran() != 3 {
		t.Fatalf("panics = %d ran = %d", s.panics.Load(), s.Ran())
	}
}

func TestAsyncTasks(t *testing.T) {
	s := NewScheduler(2)
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		s.Schedule(func(uint64) {
			mu.Lock()
			count++
			mu.Unlock()
		}, true)
	}
	s.Heartbeat(1)
	s.Shutdown()
	if count != 10 {
		t.Fatalf("count = %d", count)
	}
}

func TestCancelAll(t *testing.T) {
	s := NewScheduler(1)
	ran := false
	s.ScheduleDelayed(func(uint64) { ran = true }, 1, false)
	s.ScheduleRepeating(func(uint64) { ran = true }, 1, 1, false)
	s.CancelAll()
	s.Heartbeat(5)
	if ran || s.Pending() != 0 {
		t.Fatal("cancelled tasks ran")
	}
}
