package inode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/freemap"
	"kcore/internal/inode"
	"kcore/internal/metrics"
)

func newTable(t *testing.T, sectors int64) (*inode.Table, *freemap.Bitmap) {
	t.Helper()
	dev := blockdev.NewMemory("test", blockdev.RoleFilesys, sectors)
	cache := bcache.New(32, metrics.NewCacheUnregistered(), nil)
	free := freemap.New(sectors)
	free.MarkReserved(0, 1) // inode's own sector
	return inode.New(dev, cache, free), free
}

func TestCreateOpenReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	tab, _ := newTable(t, 64)

	require.True(t, tab.Create(ctx, 0, 0, defs.I_FILE))
	h, err := tab.Open(ctx, 0)
	require.Zero(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, werr := tab.WriteAt(ctx, h, payload, 0)
	require.Zero(t, werr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, int64(len(payload)), h.Length())

	buf := make([]byte, len(payload))
	n, rerr := tab.ReadAt(ctx, h, buf, 0)
	require.Zero(t, rerr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	assert.Zero(t, tab.Close(ctx, h))
}

func TestReadPastLengthReturnsZero(t *testing.T) {
	ctx := context.Background()
	tab, _ := newTable(t, 64)
	require.True(t, tab.Create(ctx, 0, 0, defs.I_FILE))
	h, err := tab.Open(ctx, 0)
	require.Zero(t, err)

	buf := make([]byte, 16)
	n, rerr := tab.ReadAt(ctx, h, buf, 1000)
	assert.Zero(t, rerr)
	assert.Equal(t, 0, n)
}

func TestWriteCrossingIndirectBoundary(t *testing.T) {
	ctx := context.Background()
	// 10 direct blocks * 512 bytes = 5120 bytes before the single-indirect
	// pointer is needed.
	tab, _ := newTable(t, 4096)
	require.True(t, tab.Create(ctx, 0, 0, defs.I_FILE))
	h, err := tab.Open(ctx, 0)
	require.Zero(t, err)

	offset := int64(10 * blockdev.SectorSize)
	payload := []byte("crosses into the single-indirect block")
	n, werr := tab.WriteAt(ctx, h, payload, offset)
	require.Zero(t, werr)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, rerr := tab.ReadAt(ctx, h, buf, offset)
	require.Zero(t, rerr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestDenyWriteBlocksWriteAt(t *testing.T) {
	ctx := context.Background()
	tab, _ := newTable(t, 64)
	require.True(t, tab.Create(ctx, 0, 0, defs.I_FILE))
	h, err := tab.Open(ctx, 0)
	require.Zero(t, err)

	tab.DenyWrite(h)
	n, werr := tab.WriteAt(ctx, h, []byte("nope"), 0)
	assert.Zero(t, werr)
	assert.Equal(t, 0, n)

	tab.AllowWrite(h)
	n, werr = tab.WriteAt(ctx, h, []byte("now ok"), 0)
	require.Zero(t, werr)
	assert.Equal(t, 6, n)
}

func TestCreateRollsBackOnExhaustion(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemory("test", blockdev.RoleFilesys, 4)
	cache := bcache.New(8, metrics.NewCacheUnregistered(), nil)
	free := freemap.New(4)
	free.MarkReserved(0, 1)
	tab := inode.New(dev, cache, free)

	// Only 3 free sectors remain; asking for a file that needs 4 data
	// blocks must fail and release whatever it managed to allocate.
	ok := tab.Create(ctx, 0, 4*blockdev.SectorSize, defs.I_FILE)
	assert.False(t, ok)
	for i := int64(1); i < 4; i++ {
		assert.False(t, free.IsAllocated(i), "rollback must release every sector allocated before the failure")
	}
}

func TestRemoveReclaimsAtLastClose(t *testing.T) {
	ctx := context.Background()
	tab, free := newTable(t, 64)
	require.True(t, tab.Create(ctx, 0, int64(blockdev.SectorSize), defs.I_FILE))
	dataSector := int64(1) // first sector the free map hands out after the reserved inode sector

	h, err := tab.Open(ctx, 0)
	require.Zero(t, err)
	tab.Remove(h)
	assert.Zero(t, tab.Close(ctx, h))
	assert.False(t, free.IsAllocated(dataSector))
}
