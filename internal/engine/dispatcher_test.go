package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}))
	}
	wg.Wait()
	pool.Shutdown()

	assert.LessOrEqual(t, peak, int64(2))
	assert.Equal(t, int64(8), pool.Metrics().Completed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	require.NoError(t, pool.Submit(context.Background(), func() { panic("boom") }))
	pool.Shutdown()
	assert.Equal(t, int64(1), pool.Metrics().Panics)
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	err := pool.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestDispatcher_FIFOPerKey(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Do(context.Background(), "conv", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Give each job time to be queued before the next one arrives.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, 20)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
	assert.Equal(t, 0, d.Pending("conv"))
}

func TestDispatcher_SerializesSameKey(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Shutdown()

	var inside, overlaps int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), "same", func(context.Context) error {
				if atomic.AddInt64(&inside, 1) > 1 {
					atomic.AddInt64(&overlaps, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps)
}

func TestDispatcher_DifferentKeysRunInParallel(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Shutdown()

	release := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = d.Do(context.Background(), key, func(context.Context) error {
				started <- key
				<-release
				return nil
			})
		}(key)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)
	wg.Wait()
}

func TestDispatcher_ReturnsErrorsAndPanics(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Shutdown()

	boom := errors.New("boom")
	err := d.Do(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = d.Do(context.Background(), "k", func(context.Context) error { panic("bad node") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad node")

	// The lane keeps working after a panic.
	err = d.Do(context.Background(), "k", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestDispatcher_CancelledJobSkipped(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Shutdown()

	block := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "k", func(context.Context) error {
			<-block
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ran := int64(0)
	done := make(chan error, 1)
	go func() {
		done <- d.Do(ctx, "k", func(context.Context) error {
			atomic.StoreInt64(&ran, 1)
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(block)

	// Drain the lane before checking the skipped job never ran.
	require.NoError(t, d.Do(context.Background(), "k", func(context.Context) error { return nil }))
	assert.Zero(t, atomic.LoadInt64(&ran))
}

func TestDispatcher_ShutdownRejects(t *testing.T) {
	d := NewDispatcher(1)
	d.Shutdown()
	err := d.Do(context.Background(), "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
