package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(4, 16, zerolog.Nop())
	defer p.Shutdown(time.Second)

	var count int64
	for i := 0; i < 10; i++ {
		p.Submit(func(ctx context.Context) { atomic.AddInt64(&count, 1) })
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&count) == 10 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt64(&count); got != 10 {
		t.Fatalf("expected 10 tasks run, got %d", got)
	}
}

func TestPool_DropsTasksWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(1, 1, zerolog.Nop())
	defer func() {
		close(block)
		p.Shutdown(time.Second)
	}()

	p.Submit(func(ctx context.Context) { <-block })
	time.Sleep(20 * time.Millisecond) // let the one worker pick it up

	p.Submit(func(ctx context.Context) {})
	p.Submit(func(ctx context.Context) {})

	if p.Dropped() == 0 {
		t.Fatal("expected at least one dropped task once the queue filled up")
	}
}

func TestPool_ShutdownWaitsForInFlightTasks(t *testing.T) {
	p := New(2, 4, zerolog.Nop())

	var finished int64
	p.Submit(func(ctx context.Context) {
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
	})

	p.Shutdown(time.Second)

	if atomic.LoadInt64(&finished) != 1 {
		t.Fatalf("expected in-flight task to finish before Shutdown returns, got finished=%d", finished)
	}
}

func TestPool_ShutdownCancelsOnGraceElapsed(t *testing.T) {
	p := New(1, 1, zerolog.Nop())

	started := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	start := time.Now()
	p.Shutdown(20 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected shutdown to return shortly after cancelling the task's context, took %v", elapsed)
	}
}
