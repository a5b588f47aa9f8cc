// Package workerpool provides a bounded task executor with an explicit lifecycle:
// accept work, stop accepting, drain.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrShutdown is returned by Submit once Shutdown has been called.
	ErrShutdown = errors.New("workerpool: shut down")

	// ErrTerminationTimeout is returned by AwaitTermination when tasks are still running
	// after the grace period.
	ErrTerminationTimeout = errors.New("workerpool: tasks still running after grace period")
)

// Pool runs submitted tasks on their own goroutines, at most size at a time.
type Pool struct {
	size  int64
	sem   *semaphore.Weighted
	clock clockwork.Clock

	mu       sync.RWMutex
	shutdown bool
	running  sync.WaitGroup
}

// New returns a pool that runs at most size tasks concurrently. A nil clock means the
// real clock.
func New(size int, clock clockwork.Clock) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("workerpool: size must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pool{
		size:  int64(size),
		sem:   semaphore.NewWeighted(int64(size)),
		clock: clock,
	}, nil
}

// Size is the concurrency bound.
func (p *Pool) Size() int {
	return int(p.size)
}

// Submit waits for a free slot and starts task on it. It blocks only until the task has
// been accepted, not until it finishes. If ctx ends while waiting for a slot the task is
// not run and ctx.Err() is returned.
//
// Tasks accepted before Shutdown still run, even if they are waiting for a slot when
// Shutdown is called.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	if p.shutdown {
		p.mu.RUnlock()
		return ErrShutdown
	}
	p.running.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.running.Done()
		return err
	}
	go func() {
		defer p.running.Done()
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// Shutdown stops the pool from accepting new tasks. It does not wait; see AwaitTermination.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
}

// AwaitTermination blocks until every accepted task has finished, the grace period has
// elapsed (ErrTerminationTimeout) or ctx ends (ctx.Err()). Call it after Shutdown.
func (p *Pool) AwaitTermination(ctx context.Context, grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	default:
	}

	timer := p.clock.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.Chan():
		return ErrTerminationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
