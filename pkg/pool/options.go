package pool

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultGracePeriod bounds how long Close waits for in-flight sends.
const DefaultGracePeriod = 10 * time.Second

// Executor is the bounded worker facility a Pool submits sends to.
// *workerpool.Pool satisfies it.
type Executor interface {
	// Submit starts task, blocking until a slot is free or ctx ends.
	Submit(ctx context.Context, task func()) error
	// Shutdown stops accepting new tasks.
	Shutdown()
	// AwaitTermination waits for accepted tasks, at most grace.
	AwaitTermination(ctx context.Context, grace time.Duration) error
}

type options struct {
	name     string
	grace    time.Duration
	clock    clockwork.Clock
	executor Executor
}

// Option configures a Pool.
type Option func(*options)

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithGracePeriod sets how long Close waits for in-flight sends before releasing shards.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithClock replaces the clock used for the shutdown grace period.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithExecutor supplies the worker facility instead of one sized to the pool. The pool
// takes ownership and shuts it down on Close. Copies of the pool do not inherit it.
func WithExecutor(e Executor) Option {
	return func(o *options) { o.executor = e }
}

func newOptions(opts []Option) options {
	o := options{
		name:  "default",
		grace: DefaultGracePeriod,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
