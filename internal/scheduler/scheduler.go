// Package scheduler runs delayed and repeating tasks against the proxy tick
// counter. Sync tasks run on the caller of Heartbeat; async tasks run on a
// bounded set of goroutines.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(tick uint64)

// Task is a handle to a scheduled task.
type Task struct {
	id        int64
	fn        TaskFunc
	async     bool
	period    uint64
	nextRun   uint64
	cancelled atomic.Bool
}

// ID returns the task id.
func (t *Task) ID() int64 { return t.id }

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Repeating reports whether the task runs more than once.
func (t *Task) Repeating() bool { return t.period > 0 }

// Scheduler queues tasks until their tick comes due.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[int64]*Task
	nextID  int64
	current uint64

	asyncSlots chan struct{}
	asyncWG    sync.WaitGroup

	ran    atomic.Uint64
	panics atomic.Uint64
	logger zerolog.Logger
}

// NewScheduler creates a scheduler allowing asyncWorkers async tasks at once.
func NewScheduler(asyncWorkers int) *Scheduler {
	if asyncWorkers <= 0 {
		asyncWorkers = 4
	}
	return &Scheduler{
		tasks:      make(map[int64]*Task),
		asyncSlots: make(chan struct{}, asyncWorkers),
		logger:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Schedule runs fn on the next heartbeat.
func (s *Scheduler) Schedule(fn TaskFunc, async bool) *Task {
	return s.add(fn, 0, 0, async)
}

// ScheduleDelayed runs fn once, delay ticks from now.
func (s *Scheduler) ScheduleDelayed(fn TaskFunc, delay uint64, async bool) *Task {
	return s.add(fn, delay, 0, async)
}

// ScheduleRepeating runs fn every period ticks, starting after delay ticks.
func (s *Scheduler) ScheduleRepeating(fn TaskFunc, delay, period uint64, async bool) *Task {
	if period == 0 {
		period = 1
	}
	return s.add(fn, delay, period, async)
}

func (s *Scheduler) add(fn TaskFunc, delay, period uint64, async bool) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Task{
		id:      s.nextID,
		fn:      fn,
		async:   async,
		period:  period,
		nextRun: s.current + delay,
	}
	s.tasks[t.id] = t
	return t
}

// Cancel removes a task by id. It reports whether the task was pending.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	delete(s.tasks, id)
	return true
}

// CancelAll removes every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.cancelled.Store(true)
		delete(s.tasks, id)
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Ran returns how many task runs have finished.
func (s *Scheduler) Ran() uint64 { return s.ran.Load() }

// Heartbeat runs every task due at or before tick, in id order.
func (s *Scheduler) Heartbeat(tick uint64) {
	s.mu.Lock()
	s.current = tick
	var due []*Task
	for _, t := range s.tasks {
		if t.nextRun <= tick {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, t := range due {
		if t.period > 0 {
			t.nextRun = tick + t.period
		} else {
			delete(s.tasks, t.id)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.cancelled.Load() {
			continue
		}
		if t.async {
			s.runAsync(t, tick)
			continue
		}
		s.run(t, tick)
	}
}

func (s *Scheduler) runAsync(t *Task, tick uint64) {
	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()
		s.asyncSlots <- struct{}{}
		defer func() { <-s.asyncSlots }()
		s.run(t, tick)
	}()
}

func (s *Scheduler) run(t *Task, tick uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error().
				Int64("task", t.id).
				Uint64("tick", tick).
				Str("panic", fmt.Sprint(r)).
				Msg("scheduled task panicked")
		}
		s.ran.Add(1)
	}()
	t.fn(tick)
}

// Shutdown cancels pending tasks and waits for running async tasks.
func (s *Scheduler) Shutdown() {
	s.CancelAll()
	s.asyncWG.Wait()
	s.logger.Info().Uint64("ran", s.ran.Load()).Msg("scheduler stopped")
}
