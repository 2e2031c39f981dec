// Package inode implements the on-disk inode and its in-memory handle: the
// block-map walk (direct/single-indirect/double-indirect), read/write,
// create, and deny-write bookkeeping (spec.md §3, §4.3-§4.4).
//
// This generalizes _examples/original_source/src/filesys/inode.c (byte_to_sector,
// inode_create, inode_read_at, inode_write_at, inode_open/close) and follows
// the teacher's habit (biscuit/src/fs/fs.go Inode_t, fs/super.go) of keeping
// one in-memory handle per open inode sector with explicit reference
// counting rather than relying on the GC to decide when a file is closed.
package inode

import (
	"context"
	"encoding/binary"
	"sync"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/freemap"
)

// Handle is the in-memory representation of one open inode. Exactly one
// Handle exists per sector at a time (spec.md §4.3 "one in-memory handle per
// inode sector, even when opened from multiple places"); Table.Open hands
// out the same *Handle to every caller naming the same sector.
type Handle struct {
	mu sync.Mutex

	Sector blockdev.SectorNum

	openCount int
	denyWrite int
	removed   bool

	disk onDisk
}

func (h *Handle) Type() defs.Itype_t { return h.disk.Type }
func (h *Handle) Length() int64      { return int64(h.disk.Length) }
func (h *Handle) Nlink() uint16      { return h.disk.Nlink }
func (h *Handle) Major() uint16      { return h.disk.Major }
func (h *Handle) Minor() uint16      { return h.disk.Minor }

// Table owns every live Handle and the block/free-map allocator backing
// this filesystem.
type Table struct {
	mu   sync.Mutex
	open map[blockdev.SectorNum]*Handle

	dev   blockdev.Device
	cache *bcache.Cache
	free  *freemap.Bitmap
}

// New builds a Table over dev, using cache for all sector I/O and free for
// data/index block allocation.
func New(dev blockdev.Device, cache *bcache.Cache, free *freemap.Bitmap) *Table {
	return &Table{
		open:  make(map[blockdev.SectorNum]*Handle),
		dev:   dev,
		cache: cache,
		free:  free,
	}
}

// Open returns the shared Handle for sector, loading it from disk on first
// open and bumping its open count on every subsequent call (spec.md §4.3
// "open (by sector)").
func (t *Table) Open(ctx context.Context, sector blockdev.SectorNum) (*Handle, defs.Err_t) {
	t.mu.Lock()
	if h, ok := t.open[sector]; ok {
		h.openCount++
		t.mu.Unlock()
		return h, 0
	}
	t.mu.Unlock()

	var buf [diskSize]byte
	if err := t.cache.ReadThrough(ctx, t.dev, sector, 0, buf[:]); err != nil {
		return nil, -defs.EIO
	}
	h := &Handle{Sector: sector, openCount: 1}
	h.disk.unmarshal(buf[:]) // panics on magic mismatch, spec.md §7

	t.mu.Lock()
	if existing, ok := t.open[sector]; ok {
		// Lost the race against a concurrent first-opener; use theirs.
		existing.openCount++
		t.mu.Unlock()
		return existing, 0
	}
	t.open[sector] = h
	t.mu.Unlock()
	return h, 0
}

// Close drops one open reference to h. At zero open references the handle
// is written back (unless removed, in which case its blocks and inode
// sector are reclaimed into the free map) and evicted from the table
// (spec.md §4.3 "close").
func (t *Table) Close(ctx context.Context, h *Handle) defs.Err_t {
	t.mu.Lock()
	h.openCount--
	if h.openCount > 0 {
		t.mu.Unlock()
		return 0
	}
	delete(t.open, h.Sector)
	t.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		t.freeAllBlocks(h)
		t.free.Release(int64(h.Sector), 1)
		return 0
	}
	buf := h.disk.marshal()
	if err := t.cache.WriteThrough(ctx, t.dev, h.Sector, 0, buf[:]); err != nil {
		return -defs.EIO
	}
	return 0
}

// Remove marks h for reclamation at last close (spec.md §4.3 "remove"; the
// directory layer has already unlinked the name before calling this).
func (t *Table) Remove(h *Handle) {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// DenyWrite/AllowWrite implement the deny_write_count ≤ open_count
// invariant (spec.md §4.4) used to reject writes to a running executable.
func (t *Table) DenyWrite(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyWrite++
	if h.denyWrite > h.openCount {
		panic("inode: deny_write_count exceeds open_count")
	}
}

func (t *Table) AllowWrite(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyWrite == 0 {
		panic("inode: allow_write called with no matching deny_write")
	}
	h.denyWrite--
}

// Create allocates ceil(length/512) data sectors and writes a fresh disk
// inode of the given type and length at sector. Failure anywhere (most
// likely free-map exhaustion) releases every sector allocated so far and
// returns false without committing partial state (spec.md §4.3 "create",
// §9 scoped-release pattern).
func (t *Table) Create(ctx context.Context, sector blockdev.SectorNum, length int64, itype defs.Itype_t) bool {
	disk := newDisk(itype)
	disk.Length = int32(length)
	buf := disk.marshal()
	if err := t.cache.WriteThrough(ctx, t.dev, sector, 0, buf[:]); err != nil {
		return false
	}

	h := &Handle{Sector: sector, disk: disk, openCount: 1}
	guard := newReleaseGuard(t.free)
	defer guard.Close()

	nsectors := (length + blockdev.SectorSize - 1) / blockdev.SectorSize
	for i := int64(0); i < nsectors; i++ {
		if _, err := t.blockSectorTracked(ctx, h, int(i), true, guard.track); err != 0 {
			return false
		}
	}

	buf = h.disk.marshal()
	if err := t.cache.WriteThrough(ctx, t.dev, sector, 0, buf[:]); err != nil {
		return false
	}
	guard.Commit()
	return true
}

// ReadAt reads up to len(buf) bytes starting at offset, truncated to the
// handle's current length, returning the number of bytes actually read
// (spec.md §4.3 "read_at", which never reads past length).
func (t *Table) ReadAt(ctx context.Context, h *Handle, buf []byte, offset int64) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()

	length := int64(h.disk.Length)
	if offset >= length {
		return 0, 0
	}
	if remain := length - offset; int64(len(buf)) > remain {
		buf = buf[:remain]
	}

	read := 0
	for len(buf) > 0 {
		index := int(offset / blockdev.SectorSize)
		sectorOff := int(offset % blockdev.SectorSize)
		n := blockdev.SectorSize - sectorOff
		if n > len(buf) {
			n = len(buf)
		}
		sector, err := t.blockSector(ctx, h, index, false)
		if err != 0 {
			for i := 0; i < n; i++ {
				buf[i] = 0
			}
		} else if err := t.cache.ReadThrough(ctx, t.dev, sector, sectorOff, buf[:n]); err != nil {
			return read, -defs.EIO
		}
		buf = buf[n:]
		offset += int64(n)
		read += n
	}
	return read, 0
}

// WriteAt writes buf at offset, allocating new blocks as needed and
// extending length (persisting only the length field) when the write runs
// past the current end of file. Deny-write inodes silently accept zero
// bytes (spec.md §4.3 "write_at", §4.4).
func (t *Table) WriteAt(ctx context.Context, h *Handle, buf []byte, offset int64) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.denyWrite > 0 {
		return 0, 0
	}

	written := 0
	for len(buf) > 0 {
		index := int(offset / blockdev.SectorSize)
		sectorOff := int(offset % blockdev.SectorSize)
		n := blockdev.SectorSize - sectorOff
		if n > len(buf) {
			n = len(buf)
		}
		sector, err := t.blockSector(ctx, h, index, true)
		if err != 0 {
			break
		}
		if err := t.cache.WriteThrough(ctx, t.dev, sector, sectorOff, buf[:n]); err != nil {
			break
		}
		buf = buf[n:]
		offset += int64(n)
		written += n
	}

	if offset > int64(h.disk.Length) {
		h.disk.Length = int32(offset)
		var lbuf [4]byte
		binary.LittleEndian.PutUint32(lbuf[:], uint32(h.disk.Length))
		t.cache.WriteThrough(ctx, t.dev, h.Sector, offLength, lbuf[:])
	}
	return written, 0
}
