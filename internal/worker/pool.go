// Package worker runs short tasks on a fixed set of goroutines fed from a
// bounded FIFO queue.
package worker

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker: pool stopped")

// ErrQueueFull is returned by Submit when the task was dropped.
var ErrQueueFull = errors.New("worker: queue full")

// Task is a unit of work.
type Task func()

// Stats is a point in time view of the pool.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Pool is a fixed size worker pool. Submit never blocks: when the queue holds
// capacity tasks the new task is dropped and counted.
type Pool struct {
	name     string
	workers  int
	capacity int
	logger   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	stopped bool
	wg      sync.WaitGroup

	running   atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewPool starts workers goroutines. workers <= 0 uses NumCPU and
// capacity <= 0 leaves the queue unbounded.
func NewPool(name string, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{
		name:     name,
		workers:  workers,
		capacity: capacity,
		logger:   log.With().Str("component", "worker").Str("pool", name).Logger(),
		tasks:    queue.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues a task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if p.capacity > 0 && p.tasks.Length() >= p.capacity {
		p.mu.Unlock()
		if p.dropped.Add(1) == 1 {
			p.logger.Warn().Int("capacity", p.capacity).Msg("worker queue full, dropping tasks")
		}
		return ErrQueueFull
	}
	p.tasks.Add(task)
	p.submitted.Add(1)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Saturated reports whether the queue is at capacity.
func (p *Pool) Saturated() bool {
	if p.capacity <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length() >= p.capacity
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.tasks.Length()
	p.mu.Unlock()
	return Stats{
		Workers:   p.workers,
		Queued:    queued,
		Running:   p.running.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Dropped:   p.dropped.Load(),
		Panics:    p.panics.Load(),
	}
}

// Stop rejects new tasks, lets the workers drain the queue and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
	p.logger.Debug().Uint64("completed", p.completed.Load()).Msg("worker pool stopped")
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().Str("panic", fmt.Sprint(r)).Msg("worker task panicked")
		}
		p.running.Add(-1)
		p.completed.Add(1)
	}()
	task()
}
