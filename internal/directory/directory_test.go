package directory_test

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
	"kcore/internal/metrics"
)

const rootSector = 0

func newRoot(t *testing.T) (*inode.Table, *inode.Handle, *freemap.Bitmap) {
	t.Helper()
	ctx := context.Background()
	dev := blockdev.NewMemory("test", blockdev.RoleFilesys, 256)
	cache := bcache.New(32, metrics.NewCacheUnregistered(), nil)
	free := freemap.New(256)
	free.MarkReserved(rootSector, 1)
	itab := inode.New(dev, cache, free)

	require.True(t, itab.Create(ctx, rootSector, 0, defs.I_DIR))
	root, err := itab.Open(ctx, rootSector)
	require.Zero(t, err)
	require.Zero(t, directory.Add(ctx, itab, root, ".", rootSector))
	require.Zero(t, directory.Add(ctx, itab, root, "..", rootSector))
	return itab, root, free
}

func TestAddLookupRemoveRoundTrip(t *testing.T) {
	ctx := context.Background()
	itab, root, _ := newRoot(t)

	require.Zero(t, directory.Add(ctx, itab, root, "foo", 42))
	sector, ok := directory.Lookup(ctx, itab, root, "foo")
	require.True(t, ok)
	assert.Equal(t, blockdev.SectorNum(42), sector)

	require.Zero(t, directory.Remove(ctx, itab, root, "foo"))
	_, ok = directory.Lookup(ctx, itab, root, "foo")
	assert.False(t, ok)
}

func TestAddDuplicateNameFails(t *testing.T) {
	ctx := context.Background()
	itab, root, _ := newRoot(t)
	require.Zero(t, directory.Add(ctx, itab, root, "dup", 1))
	err := directory.Add(ctx, itab, root, "dup", 2)
	assert.Equal(t, -defs.EEXIST, err)
}

func TestAddNameTooLongFails(t *testing.T) {
	ctx := context.Background()
	itab, root, _ := newRoot(t)
	err := directory.Add(ctx, itab, root, "this-name-is-definitely-too-long", 1)
	assert.Equal(t, -defs.ENAMETOOLONG, err)
}

func TestRemoveMissingNameFails(t *testing.T) {
	ctx := context.Background()
	itab, root, _ := newRoot(t)
	err := directory.Remove(ctx, itab, root, "nope")
	assert.Equal(t, -defs.ENOENT, err)
}

func TestRemoveReusesFreedSlot(t *testing.T) {
	ctx := context.Background()
	itab, root, _ := newRoot(t)
	lengthBefore := root.Length()

	require.Zero(t, directory.Add(ctx, itab, root, "a", 10))
	require.Zero(t, directory.Remove(ctx, itab, root, "a"))
	require.Zero(t, directory.Add(ctx, itab, root, "b", 11))

	assert.Equal(t, lengthBefore+20, root.Length(), "the freed slot from \"a\" must be reused rather than appending a new one")
}

func TestCreateSubdirSelfLinks(t *testing.T) {
	ctx := context.Background()
	itab, root, free := newRoot(t)
	start, ok := free.Allocate(1)
	require.True(t, ok)
	childSector := blockdev.SectorNum(start)

	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, childSector, "sub"))

	sector, ok := directory.Lookup(ctx, itab, root, "sub")
	require.True(t, ok)
	assert.Equal(t, childSector, sector)

	child, err := itab.Open(ctx, childSector)
	require.Zero(t, err)
	defer itab.Close(ctx, child)

	self, ok := directory.Lookup(ctx, itab, child, ".")
	require.True(t, ok)
	assert.Equal(t, childSector, self)

	parent, ok := directory.Lookup(ctx, itab, child, "..")
	require.True(t, ok)
	assert.Equal(t, blockdev.SectorNum(rootSector), parent)
}

func TestIsEmpty(t *testing.T) {
	ctx := context.Background()
	itab, root, free := newRoot(t)

	empty, err := directory.IsEmpty(ctx, itab, root)
	require.Zero(t, err)
	assert.True(t, empty, "a freshly created directory holds only . and ..")

	start, ok := free.Allocate(1)
	require.True(t, ok)
	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, blockdev.SectorNum(start), "sub"))

	empty, err = directory.IsEmpty(ctx, itab, root)
	require.Zero(t, err)
	assert.False(t, empty)
}

func TestUnlinkInvalidatesSelfEntriesBeforeErasingParentEntry(t *testing.T) {
	ctx := context.Background()
	itab, root, free := newRoot(t)
	start, ok := free.Allocate(1)
	require.True(t, ok)
	childSector := blockdev.SectorNum(start)
	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, childSector, "sub"))

	child, err := itab.Open(ctx, childSector)
	require.Zero(t, err)

	require.Zero(t, directory.Unlink(ctx, itab, child, root, "sub"))

	_, ok = directory.Lookup(ctx, itab, child, ".")
	assert.False(t, ok, "self entry must be invalidated")
	_, ok = directory.Lookup(ctx, itab, child, "..")
	assert.False(t, ok, "parent entry must be invalidated")
	_, ok = directory.Lookup(ctx, itab, root, "sub")
	assert.False(t, ok, "the name must be gone from the parent")

	require.Zero(t, itab.Close(ctx, child))
}

func TestResolveFullPath(t *testing.T) {
	ctx := context.Background()
	itab, root, free := newRoot(t)
	start, ok := free.Allocate(1)
	require.True(t, ok)
	subSector := blockdev.SectorNum(start)
	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, subSector, "sub"))
	sub, err := itab.Open(ctx, subSector)
	require.Zero(t, err)
	defer itab.Close(ctx, sub)
	require.Zero(t, directory.Add(ctx, itab, sub, "leaf", 99))

	sector, name, rerr := directory.Resolve(ctx, itab, rootSector, rootSector, "sub/leaf", false)
	require.Zero(t, rerr)
	assert.Equal(t, "", name)
	assert.Equal(t, blockdev.SectorNum(99), sector)
}

func TestResolveAbsolutePathStartsAtRootNotCwd(t *testing.T) {
	ctx := context.Background()
	itab, root, free := newRoot(t)

	subStart, ok := free.Allocate(1)
	require.True(t, ok)
	subSector := blockdev.SectorNum(subStart)
	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, subSector, "sub"))
	sub, err := itab.Open(ctx, subSector)
	require.Zero(t, err)
	defer itab.Close(ctx, sub)
	require.Zero(t, directory.Add(ctx, itab, sub, "leaf", 99))

	otherStart, ok := free.Allocate(1)
	require.True(t, ok)
	otherSector := blockdev.SectorNum(otherStart)
	require.Zero(t, directory.CreateSubdir(ctx, itab, root, rootSector, otherSector, "other"))

	// "other" has no "sub" entry, so a relative lookup from it must fail...
	_, _, rerr := directory.Resolve(ctx, itab, rootSector, otherSector, "sub/leaf", false)
	assert.Equal(t, -defs.ENOENT, rerr)

	// ...but the same path spelled absolute must ignore cwd entirely and
	// resolve from root.
	sector, name, rerr := directory.Resolve(ctx, itab, rootSector, otherSector, "/sub/leaf", false)
	require.Zero(t, rerr)
	assert.Equal(t, "", name)
	assert.Equal(t, blockdev.SectorNum(99), sector)
}

func TestResolveParentMode(t *testing.T) {
	ctx := context.Background()
	itab, _, _ := newRoot(t)

	parent, name, err := directory.Resolve(ctx, itab, rootSector, rootSector, "newfile", true)
	require.Zero(t, err)
	assert.Equal(t, blockdev.SectorNum(rootSector), parent)
	assert.Equal(t, "newfile", name)
}

func TestResolveMissingComponentFails(t *testing.T) {
	ctx := context.Background()
	itab, _, _ := newRoot(t)
	_, _, err := directory.Resolve(ctx, itab, rootSector, rootSector, "missing/leaf", false)
	assert.Equal(t, -defs.ENOENT, err)
}
