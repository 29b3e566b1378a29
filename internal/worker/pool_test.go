package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool("test", 4, 0)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(func() { defer wg.Done(); n.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	p.Stop()
	if n.Load() != 100 {
		t.Fatalf("ran %d tasks", n.Load())
	}
	st := p.Stats()
	if st.Submitted != 100 || st.Completed != 100 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool("full", 1, 2)
	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func() { close(started); <-block }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if err := p.Submit(func() {}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if !p.Saturated() {
		t.Fatal("pool not saturated")
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow err = %v", err)
	}
	close(block)
	p.Stop()
	st := p.Stats()
	if st.Dropped != 1 || st.Completed != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool("panic", 1, 0)
	_ = p.Submit(func() { panic("boom") })
	done := make(chan struct{})
	_ = p.Submit(func() { close(done) })
	<-done
	p.Stop()
	if p.Stats().Panics != 1 {
		t.Fatalf("panics = %d", p.Stats().Panics)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool("stopped", 1, 0)
	p.Stop()
	p.Stop()
	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("err = %v", err)
	}
}
