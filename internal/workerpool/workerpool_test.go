package workerpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-pool/internal/workerpool"
)

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	_, err := workerpool.New(0, nil)
	require.Error(t, err)

	p, err := workerpool.New(3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())
}

func TestSubmit_RespectsBound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	const size = 3
	p, err := workerpool.New(size, nil)
	require.NoError(t, err)

	var active, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < size*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Submit(ctx, func() {
				n := active.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				active.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return active.Load() == size }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	p.Shutdown()
	require.NoError(t, p.AwaitTermination(ctx, time.Second))
	assert.Equal(t, int32(size), peak.Load())
}

func TestSubmit_AfterShutdown(t *testing.T) {
	p, err := workerpool.New(1, nil)
	require.NoError(t, err)

	p.Shutdown()
	err = p.Submit(context.Background(), func() { t.Error("task must not run") })
	assert.ErrorIs(t, err, workerpool.ErrShutdown)
}

func TestSubmit_CancelledWhileWaitingForSlot(t *testing.T) {
	p, err := workerpool.New(1, nil)
	require.NoError(t, err)

	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Submit(ctx, func() { t.Error("task must not run") })
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	p.Shutdown()
	assert.NoError(t, p.AwaitTermination(context.Background(), time.Second))
}

func TestAwaitTermination(t *testing.T) {
	t.Run("Drains accepted work", func(t *testing.T) {
		p, err := workerpool.New(2, nil)
		require.NoError(t, err)

		var ran atomic.Int32
		for i := 0; i < 4; i++ {
			require.NoError(t, p.Submit(context.Background(), func() {
				time.Sleep(10 * time.Millisecond)
				ran.Add(1)
			}))
		}
		p.Shutdown()

		require.NoError(t, p.AwaitTermination(context.Background(), 5*time.Second))
		assert.Equal(t, int32(4), ran.Load())
	})

	t.Run("Times out on the injected clock", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		p, err := workerpool.New(1, clock)
		require.NoError(t, err)

		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
		p.Shutdown()

		result := make(chan error, 1)
		go func() { result <- p.AwaitTermination(context.Background(), 10*time.Second) }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(10 * time.Second)

		select {
		case err := <-result:
			assert.ErrorIs(t, err, workerpool.ErrTerminationTimeout)
		case <-ctx.Done():
			t.Fatal("AwaitTermination did not return after the grace period")
		}
	})

	t.Run("Interrupted by context", func(t *testing.T) {
		p, err := workerpool.New(1, clockwork.NewFakeClock())
		require.NoError(t, err)

		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
		p.Shutdown()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, p.AwaitTermination(ctx, time.Hour), context.Canceled)
	})
}
