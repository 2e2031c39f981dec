package swap_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/blockdev"
	"kcore/internal/frame"
	"kcore/internal/freemap"
	"kcore/internal/metrics"
	"kcore/internal/swap"
)

func newTable(t *testing.T, sectors int64) *swap.Table {
	t.Helper()
	dev := blockdev.NewMemory("swap", blockdev.RoleSwap, sectors)
	bitmap := freemap.New(sectors)
	return swap.New(dev, bitmap, metrics.NewSwapUnregistered())
}

func page(fill byte) []byte {
	p := make([]byte, frame.PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	tab := newTable(t, 64)

	sector, err := tab.Write(ctx, page(0x11))
	require.NoError(t, err)

	out := make([]byte, frame.PageSize)
	require.NoError(t, tab.Read(ctx, sector, out))
	assert.True(t, bytes.Equal(page(0x11), out))
}

func TestOverwriteInPlace(t *testing.T) {
	ctx := context.Background()
	tab := newTable(t, 64)

	sector, err := tab.Write(ctx, page(0x22))
	require.NoError(t, err)
	require.NoError(t, tab.Overwrite(ctx, sector, page(0x33)))

	out := make([]byte, frame.PageSize)
	require.NoError(t, tab.Read(ctx, sector, out))
	assert.True(t, bytes.Equal(page(0x33), out))
}

func TestFreeDoesNotDisturbOtherAllocations(t *testing.T) {
	ctx := context.Background()
	tab := newTable(t, int64(swap.SectorsPerPage*4))

	s1, err := tab.Write(ctx, page(0xaa))
	require.NoError(t, err)
	s2, err := tab.Write(ctx, page(0xbb))
	require.NoError(t, err)

	tab.Free(s1)

	out := make([]byte, frame.PageSize)
	require.NoError(t, tab.Read(ctx, s2, out))
	assert.True(t, bytes.Equal(page(0xbb), out), "freeing s1's slot must not disturb s2's contents")

	s3, err := tab.Write(ctx, page(0xcc))
	require.NoError(t, err)
	assert.Equal(t, s1, s3, "the freed slot should be reused by the next allocation")
}

func TestWriteExhaustion(t *testing.T) {
	ctx := context.Background()
	tab := newTable(t, int64(swap.SectorsPerPage))
	_, err := tab.Write(ctx, page(0x01))
	require.NoError(t, err)

	_, err = tab.Write(ctx, page(0x02))
	assert.Error(t, err)
}
