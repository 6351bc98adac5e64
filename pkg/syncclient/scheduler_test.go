package syncclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerCoalescesBurstDuringRun(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	s := NewScheduler(func(ctx context.Context) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Trigger()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not start")
	}
	for i := 0; i < 100; i++ {
		s.Trigger()
	}
	release <- struct{}{}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("coalesced run did not start")
	}
	release <- struct{}{}

	select {
	case <-started:
		t.Fatal("expected burst to coalesce into a single extra run")
	case <-time.After(100 * time.Millisecond):
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestSchedulerTriggerNeverBlocks(t *testing.T) {
	t.Parallel()

	s := NewScheduler(func(context.Context) {})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Trigger()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger blocked without a running scheduler")
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := NewScheduler(func(context.Context) { runs.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Trigger()
	finished := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if runs.Load() != 0 {
		t.Fatalf("expected no runs after cancel, got %d", runs.Load())
	}
}
