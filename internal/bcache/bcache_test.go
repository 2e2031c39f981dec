package bcache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/clock"
	"kcore/internal/metrics"
)

func newDev(t *testing.T, sectors int64) blockdev.Device {
	t.Helper()
	return blockdev.NewMemory("test", blockdev.RoleFilesys, sectors)
}

func TestReadFillReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := newDev(t, 64)
	c := bcache.New(4, metrics.NewCacheUnregistered(), nil)

	require.NoError(t, c.Fill(ctx, dev, 0, 0, 0xab, blockdev.SectorSize))

	buf := make([]byte, blockdev.SectorSize)
	require.NoError(t, c.ReadThrough(ctx, dev, 0, 0, buf))
	for _, b := range buf {
		assert.Equal(t, byte(0xab), b)
	}
}

func TestWriteThroughDirtyThenFlush(t *testing.T) {
	ctx := context.Background()
	dev := newDev(t, 64)
	c := bcache.New(4, metrics.NewCacheUnregistered(), nil)

	payload := []byte("hello, sector")
	require.NoError(t, c.WriteThrough(ctx, dev, 0, 0, payload))
	require.NoError(t, c.FlushAll(ctx))

	out := make([]byte, len(payload))
	require.NoError(t, dev.ReadAt(ctx, 0, out))
	assert.Equal(t, payload, out)
}

func TestSyncPeriodicStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := bcache.New(4, metrics.NewCacheUnregistered(), nil)
	fc := clock.NewFake(time.Unix(0, 0))

	done := make(chan struct{})
	go func() {
		c.SyncPeriodic(ctx, fc, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SyncPeriodic did not return after ctx cancellation")
	}
}

func TestConcurrentReadersOfSameGroupSerializeWithoutPanicking(t *testing.T) {
	ctx := context.Background()
	dev := newDev(t, 64)
	c := bcache.New(4, metrics.NewCacheUnregistered(), nil)
	require.NoError(t, c.Fill(ctx, dev, 0, 0, 0xcd, blockdev.SectorSize))

	const readers = 16
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			buf := make([]byte, blockdev.SectorSize)
			require.NoError(t, c.ReadThrough(ctx, dev, 0, 0, buf))
			for _, b := range buf {
				assert.Equal(t, byte(0xcd), b)
			}
		}()
	}
	wg.Wait()
}

func TestReadahead(t *testing.T) {
	ctx := context.Background()
	dev := newDev(t, 64)
	c := bcache.New(4, metrics.NewCacheUnregistered(), nil)
	require.NoError(t, c.Readahead(ctx, dev, 1))
}
