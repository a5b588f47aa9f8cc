// Package pool fans notifications out over a fixed set of gateway connections.
//
// A Pool copies N shards from a prototype Connection and routes every message to the
// shard chosen by hashing its destination token, so all traffic for one device goes
// through one connection. Sends run on a bounded worker facility owned by the pool;
// the caller blocks until its send finishes or its context ends.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-pool/internal/workerpool"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransport
	outcomeOther
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeTransport:
		return "transport_error"
	default:
		return "defect"
	}
}

// outcome is what a worker hands back to the waiting caller.
type outcome struct {
	kind outcomeKind
	err  error
}

// Pool is a dispatch.Connection backed by several shard connections.
type Pool struct {
	prototype dispatch.Connection
	shards    []dispatch.Connection
	workers   Executor
	opts      options
	logger    *slog.Logger

	// broadcastMu serializes SetCacheLength only; sends never take it.
	broadcastMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ dispatch.Connection = (*Pool)(nil)

// New builds a pool of size shards, each obtained from one prototype.Copy() call.
// If any copy fails, the shards copied so far are closed and the error is returned.
// The pool takes ownership of prototype and closes it on Close; a failed New leaves the
// prototype and any WithExecutor executor with the caller. A nil logger means
// slog.Default().
func New(prototype dispatch.Connection, size int, logger *slog.Logger, opts ...Option) (*Pool, error) {
	if prototype == nil {
		return nil, errors.New("pool: prototype connection is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := newOptions(opts)
	logger = logger.With("component", "ConnectionPool", "pool", o.name)

	workers := o.executor
	ownWorkers := workers == nil
	if ownWorkers {
		wp, err := workerpool.New(size, o.clock)
		if err != nil {
			return nil, fmt.Errorf("pool: failed to create worker facility: %w", err)
		}
		workers = wp
	}

	shards := make([]dispatch.Connection, 0, size)
	for i := 0; i < size; i++ {
		shard, err := prototype.Copy()
		if err != nil {
			for j, built := range shards {
				if cerr := built.Close(); cerr != nil {
					logger.Warn("Failed to release shard after construction error", "shard", j, "err", cerr)
				}
			}
			if ownWorkers {
				workers.Shutdown()
			}
			return nil, fmt.Errorf("pool: failed to create shard %d of %d: %w", i, size, err)
		}
		shards = append(shards, shard)
	}

	logger.Debug("Connection pool created", "shards", size)
	return &Pool{
		prototype: prototype,
		shards:    shards,
		workers:   workers,
		opts:      o,
		logger:    logger,
	}, nil
}

// Size is the number of shards.
func (p *Pool) Size() int {
	return len(p.shards)
}

// Send routes msg to its shard and blocks until that shard's Send returns.
//
// A *dispatch.TransportError from the shard is returned as is. If ctx ends first,
// ctx.Err() is returned and the send keeps running in the background. Any other failure
// is logged and returned wrapped in dispatch.ErrDispatchDefect.
func (p *Pool) Send(ctx context.Context, msg *dispatch.Message) error {
	if p.closed.Load() {
		return dispatch.ErrPoolClosed
	}
	if msg == nil {
		return errors.New("pool: nil message")
	}

	idx := ShardIndex(msg.Token, len(p.shards))
	shard := p.shards[idx]

	// Buffered so a worker never blocks on a caller that stopped waiting.
	result := make(chan outcome, 1)
	taskCtx := context.WithoutCancel(ctx)

	err := p.workers.Submit(ctx, func() {
		result <- p.sendOnShard(taskCtx, idx, shard, msg)
	})
	if err != nil {
		switch {
		case p.closed.Load():
			return dispatch.ErrPoolClosed
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.logger.Error("Worker facility rejected send", "shard", idx, "err", err)
			return fmt.Errorf("%w: submit to shard %d: %w", dispatch.ErrDispatchDefect, idx, err)
		}
	}

	select {
	case out := <-result:
		switch out.kind {
		case outcomeSuccess:
			return nil
		case outcomeTransport:
			return out.err
		default:
			p.logger.Error("Shard send failed with a non-transport error", "shard", idx, "err", out.err)
			return fmt.Errorf("%w: shard %d: %w", dispatch.ErrDispatchDefect, idx, out.err)
		}
	case <-ctx.Done():
		p.logger.Debug("Caller stopped waiting; send continues in background", "shard", idx, "err", ctx.Err())
		return ctx.Err()
	}
}

func (p *Pool) sendOnShard(ctx context.Context, idx int, shard dispatch.Connection, msg *dispatch.Message) (out outcome) {
	gauge := inFlight.WithLabelValues(p.opts.name)
	gauge.Inc()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = outcome{kind: outcomeOther, err: fmt.Errorf("panic in shard send: %v", r)}
		}
		gauge.Dec()
		sendDuration.WithLabelValues(p.opts.name).Observe(time.Since(start).Seconds())
		sendsTotal.WithLabelValues(p.opts.name, strconv.Itoa(idx), out.kind.String()).Inc()
	}()

	err := shard.Send(ctx, msg)
	switch {
	case err == nil:
		return outcome{kind: outcomeSuccess}
	case dispatch.IsTransport(err):
		return outcome{kind: outcomeTransport, err: err}
	default:
		return outcome{kind: outcomeOther, err: err}
	}
}

// Copy returns a new pool of the same size and options, with its own shards and worker
// facility, built around a copy of this pool's prototype.
func (p *Pool) Copy() (dispatch.Connection, error) {
	proto, err := p.prototype.Copy()
	if err != nil {
		return nil, fmt.Errorf("pool: failed to copy prototype: %w", err)
	}
	cp, err := New(proto, len(p.shards), p.logger, WithName(p.opts.name), WithGracePeriod(p.opts.grace), WithClock(p.opts.clock))
	if err != nil {
		if cerr := proto.Close(); cerr != nil {
			p.logger.Warn("Failed to release prototype copy", "err", cerr)
		}
		return nil, err
	}
	return cp, nil
}

// Close is Shutdown with no deadline beyond the grace period. It always returns nil.
func (p *Pool) Close() error {
	p.Shutdown(context.Background())
	return nil
}

// Shutdown stops accepting sends, waits up to the grace period for in-flight ones, then
// closes every shard and the prototype. Release failures are logged and do not stop the
// remaining releases. Cancelling ctx only cuts the grace wait short. Repeated calls are
// no-ops.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.workers.Shutdown()

		if err := p.workers.AwaitTermination(ctx, p.opts.grace); err != nil {
			p.logger.Warn("Pool termination did not complete cleanly; releasing connections anyway", "err", err)
		}

		for i, shard := range p.shards {
			if err := shard.Close(); err != nil {
				p.logger.Error("Failed to close shard", "shard", i, "err", err)
			}
		}
		if err := p.prototype.Close(); err != nil {
			p.logger.Error("Failed to close prototype", "err", err)
		}
		p.logger.Info("Connection pool closed", "shards", len(p.shards))
	})
}

// TestConnection probes the prototype only.
func (p *Pool) TestConnection(ctx context.Context) error {
	if p.closed.Load() {
		return dispatch.ErrPoolClosed
	}
	return p.prototype.TestConnection(ctx)
}

// SetCacheLength applies n to every shard.
func (p *Pool) SetCacheLength(n int) {
	p.broadcastMu.Lock()
	defer p.broadcastMu.Unlock()
	for _, shard := range p.shards {
		shard.SetCacheLength(n)
	}
}

// CacheLength reads shard 0; all shards agree because only SetCacheLength changes them.
func (p *Pool) CacheLength() int {
	return p.shards[0].CacheLength()
}
