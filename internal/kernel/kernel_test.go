package kernel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/directory"
	"kcore/internal/freemap"
	"kcore/internal/inode"
	"kcore/internal/kernel"
	"kcore/internal/metrics"
	"kcore/internal/swap"
)

const rootSector = 0

func newKernel(t *testing.T) (*kernel.Kernel_t, *kernel.Proc_t) {
	t.Helper()
	ctx := context.Background()

	dev := blockdev.NewMemory("fs", blockdev.RoleFilesys, 512)
	cache := bcache.New(32, metrics.NewCacheUnregistered(), nil)
	free := freemap.New(512)
	free.MarkReserved(rootSector, 1)
	itab := inode.New(dev, cache, free)

	require.True(t, itab.Create(ctx, rootSector, 0, defs.I_DIR))
	root, err := itab.Open(ctx, rootSector)
	require.Zero(t, err)
	require.Zero(t, directory.Add(ctx, itab, root, ".", rootSector))
	require.Zero(t, directory.Add(ctx, itab, root, "..", rootSector))
	require.Zero(t, itab.Close(ctx, root))

	swapDev := blockdev.NewMemory("swap", blockdev.RoleSwap, 512)
	swapBitmap := freemap.New(512)
	swapTab := swap.New(swapDev, swapBitmap, metrics.NewSwapUnregistered())

	k := kernel.New(kernel.Config{
		Dev: dev, Cache: cache, Free: free, Itab: itab, SwapTab: swapTab,
		RootSector: rootSector, FrameM: metrics.NewFrameUnregistered(),
	})
	return k, k.NewProc(rootSector)
}

func TestCreateWriteCloseOpenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)

	require.Zero(t, k.Create(ctx, p, "greeting", 0))
	fd, err := k.Open(ctx, p, "greeting")
	require.Zero(t, err)

	payload := []byte("hello from the filesystem")
	n, werr := k.Write(ctx, p, fd, payload)
	require.Zero(t, werr)
	assert.Equal(t, len(payload), n)
	require.Zero(t, k.Close(ctx, p, fd))

	fd2, err := k.Open(ctx, p, "greeting")
	require.Zero(t, err)
	buf := make([]byte, len(payload))
	n, rerr := k.Read(ctx, p, fd2, buf)
	require.Zero(t, rerr)
	assert.Equal(t, payload, buf[:n])
	require.Zero(t, k.Close(ctx, p, fd2))
}

func TestMkdirReaddir(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)

	require.Zero(t, k.Mkdir(ctx, p, "sub"))
	fd, err := k.Open(ctx, p, "sub")
	require.Zero(t, err)

	names := map[string]bool{}
	for {
		name, ok, rerr := k.Readdir(ctx, p, fd)
		require.Zero(t, rerr)
		if !ok {
			break
		}
		names[name] = true
	}
	assert.True(t, names["."])
	assert.True(t, names[".."])
	require.Zero(t, k.Close(ctx, p, fd))
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)
	require.Zero(t, k.Mkdir(ctx, p, "sub"))
	require.Zero(t, k.Chdir(ctx, p, "sub"))
	require.Zero(t, k.Create(ctx, p, "leaf", 0))
	require.Zero(t, k.Chdir(ctx, p, ".."))

	err := k.Remove(ctx, p, "sub")
	assert.Equal(t, -defs.ENOTEMPTY, err)
}

func TestCreateRollsBackInodeOnDirectoryAddFailure(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)

	// Every one of these fails at directory.Add (name too long), after
	// k.itab.Create has already committed an inode and its data sector to
	// disk. If Create didn't roll that back, repeating this past the
	// device's sector count would eventually fail with -ENOSPC instead of
	// -ENAMETOOLONG.
	for i := 0; i < 600; i++ {
		err := k.Create(ctx, p, "this-name-is-definitely-too-long-to-fit", 1)
		require.Equal(t, -defs.ENAMETOOLONG, err)
	}
}

func TestExitTearsDownAddressSpaceAndClosesFiles(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)
	require.Zero(t, k.Create(ctx, p, "f", 0))
	fd, err := k.Open(ctx, p, "f")
	require.Zero(t, err)

	k.Exit(ctx, p, 0)

	_, gerr := p.Files.Get(fd)
	assert.Equal(t, -defs.EBADF, gerr, "exit must close every open descriptor")
}

func TestWaitReturnsExitStatus(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)
	go k.Exit(ctx, p, 7)
	status := k.Wait(ctx, p)
	assert.Equal(t, 7, status)
}

func TestExitStatusClampedToRange(t *testing.T) {
	ctx := context.Background()
	k, p := newKernel(t)
	k.Exit(ctx, p, 9000)
	status := k.Wait(ctx, p)
	assert.Equal(t, 255, status)
}
