// Package worker implements the bounded fire-and-forget task pool that
// backs the gateway's detached work: touchApiKey bookkeeping,
// transaction persistence, and reliability recording (§5's "model these
// as explicit tasks scheduled onto a bounded work queue so shutdown can
// await their completion" requirement). Adapted from the teacher's
// internal/callbacks/queue_worker.go Start/Stop lifecycle shape, but
// backed by a bounded in-process channel rather than a polled durable
// queue — nothing in this gateway's spec requires surviving a process
// restart for these tasks, only surviving concurrent submission and a
// graceful shutdown.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of detached work. It receives a context carrying the
// pool's own lifetime (not the originating request's), since detached
// work must outlive the request that queued it.
type Task func(ctx context.Context)

// Pool runs queued Tasks across a bounded set of goroutines.
type Pool struct {
	tasks  chan Task
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int64
}

// New starts a Pool with size workers draining a queue of the given depth.
func New(size, queueDepth int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueDepth),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	t(p.ctx)
}

// Submit enqueues t without blocking the caller. If the queue is full,
// the task is dropped and logged — a fire-and-forget task that can't be
// queued promptly is not worth blocking the request path over, but a
// silent drop would defeat the "no silent loss" intent, so it's counted
// and logged instead.
func (p *Pool) Submit(t Task) {
	select {
	case p.tasks <- t:
	default:
		p.droppedMu.Lock()
		p.dropped++
		p.droppedMu.Unlock()
		p.log.Warn().Msg("worker queue full, task dropped")
	}
}

// Dropped returns the number of tasks dropped because the queue was full.
func (p *Pool) Dropped() int64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.dropped
}

// Shutdown stops accepting new work implicitly (callers should stop
// calling Submit) and waits up to grace for in-flight and already-queued
// tasks to drain before cancelling their context and returning.
func (p *Pool) Shutdown(grace time.Duration) {
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn().Dur("grace", grace).Msg("worker pool shutdown grace period elapsed, cancelling in-flight tasks")
		p.cancel()
		<-done
	}
}

// Close implements io.Closer for internal/lifecycle.Manager registration,
// using a fixed 10s grace period matching §5's shutdown grace.
func (p *Pool) Close() error {
	p.Shutdown(10 * time.Second)
	return nil
}
