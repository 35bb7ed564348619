package segmentpool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/segmentpool"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := segmentpool.DefaultConfig()
	cfg.NumSegments = 2
	cfg.SegmentSize = 4096

	buf, err := segmentpool.New(1, cfg, nil)
	require.NoError(t, err)
	defer buf.Close()

	seg, err := buf.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, buf.Allocated())

	require.NoError(t, buf.Release(seg))
	require.Equal(t, 0, buf.Allocated())
}

func TestSegmentEndDerivedFromRawEntryCount(t *testing.T) {
	t.Parallel()

	cfg := segmentpool.DefaultConfig()
	cfg.NumSegments = 1
	cfg.SegmentSize = 1024

	buf, err := segmentpool.New(1, cfg, nil)
	require.NoError(t, err)
	defer buf.Close()

	seg, err := buf.Allocate(context.Background())
	require.NoError(t, err)

	ctrl, err := buf.Control(seg)
	require.NoError(t, err)
	ctrl.RawEntryCount = 10

	end, err := buf.SegmentEnd(seg, 16)
	require.NoError(t, err)
	require.Len(t, end, 160)
}

// TestBackpressureNeverExceedsCapacity implements scenario 5 of the
// spec: with a 2-segment pool, three concurrent allocations never see
// more than 2 allocated at once, and the third either blocks until a
// release or fails with AllocationRetryExceeded.
func TestBackpressureNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	cfg := segmentpool.DefaultConfig()
	cfg.NumSegments = 2
	cfg.SegmentSize = 64
	cfg.RetryCount = 3
	cfg.RetrySleep = 5 * time.Millisecond

	buf, err := segmentpool.New(1, cfg, nil)
	require.NoError(t, err)
	defer buf.Close()

	first, err := buf.Allocate(context.Background())
	require.NoError(t, err)
	second, err := buf.Allocate(context.Background())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		thirdErr error
		maxSeen  int
		mu       sync.Mutex
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		mu.Lock()
		if n := buf.Allocated(); n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()

		_, thirdErr = buf.Allocate(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Release(first))
	wg.Wait()

	require.NoError(t, thirdErr)
	require.LessOrEqual(t, buf.Allocated(), 2)

	require.NoError(t, buf.Release(second))
}

func TestAllocationRetryExceeded(t *testing.T) {
	t.Parallel()

	cfg := segmentpool.DefaultConfig()
	cfg.NumSegments = 1
	cfg.SegmentSize = 64
	cfg.RetryCount = 2
	cfg.RetrySleep = time.Millisecond

	buf, err := segmentpool.New(1, cfg, nil)
	require.NoError(t, err)
	defer buf.Close()

	_, err = buf.Allocate(context.Background())
	require.NoError(t, err)

	_, err = buf.Allocate(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "AllocationRetryExceeded")
}
