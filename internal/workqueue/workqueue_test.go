package workqueue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/workqueue"
)

func TestPriorityOrderingWithSingleWorker(t *testing.T) {
	t.Parallel()

	pool := workqueue.NewPool(context.Background(), "test", 1, false, nil)

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)

	wg.Add(3)

	record := func(name string) workqueue.Item {
		return func(ctx context.Context) error {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			wg.Done()

			return nil
		}
	}

	// A single worker blocked on an initial item lets us queue the rest
	// before it starts draining, so priority ordering is deterministic.
	block := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-block
		return nil
	}, workqueue.High))

	require.NoError(t, pool.Submit(record("low"), workqueue.Low))
	require.NoError(t, pool.Submit(record("high"), workqueue.High))
	require.NoError(t, pool.Submit(record("normal"), workqueue.Normal))

	close(block)
	wg.Wait()

	require.Equal(t, []string{"high", "normal", "low"}, seen)

	require.NoError(t, pool.Close(false, time.Second))
}

func TestCloseDrainsQueueByDefault(t *testing.T) {
	t.Parallel()

	pool := workqueue.NewPool(context.Background(), "test", 2, false, nil)

	var completed atomic.Int32

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			completed.Add(1)
			return nil
		}, workqueue.Normal))
	}

	require.NoError(t, pool.Close(false, time.Second))
	require.EqualValues(t, 5, completed.Load())
}

func TestSubmitAfterCloseFails(t *testing.T) {
	t.Parallel()

	pool := workqueue.NewPool(context.Background(), "test", 1, false, nil)
	require.NoError(t, pool.Close(false, time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil }, workqueue.Normal)
	require.Error(t, err)
}

func TestCloseWithDropQueueSkipsPendingWork(t *testing.T) {
	t.Parallel()

	pool := workqueue.NewPool(context.Background(), "test", 1, false, nil)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-block
		return nil
	}, workqueue.Normal))

	var ran atomic.Bool
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, workqueue.Normal))

	closeErr := make(chan error, 1)

	go func() { closeErr <- pool.Close(true, time.Second) }()

	// Give Close time to mark the pool blocked and drop the pending
	// item while the only worker is still stuck on the first one.
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.NoError(t, <-closeErr)
	require.False(t, ran.Load())
}
