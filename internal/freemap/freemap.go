// Package freemap implements the free-sector bitmap allocator: one bit per
// sector of a device, first-fit, no coalescing metadata (spec.md §4.2).
// Persistence through the buffer cache mirrors the teacher's pattern of
// storing filesystem metadata as an ordinary file read/written via bcache
// (biscuit/src/fs/super.go fields are read the same way) and the original's
// free-map.c (filesys_init persists the bitmap in a reserved inode).
package freemap

import (
	"context"
	"sync"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
)

// Bitmap is a first-fit bitmap allocator over a device's sector space,
// mirrored by a reserved on-disk region.
type Bitmap struct {
	mu   sync.Mutex
	bits []byte // one bit per sector; bit set = allocated
	n    int64  // total sector count covered

	dev    blockdev.Device
	cache  *bcache.Cache
	sector blockdev.SectorNum // first sector of the persisted region
}

// New creates a Bitmap covering n sectors, all initially free.
func New(n int64) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8), n: n}
}

// Attach associates the bitmap with a device region for persistence via
// Load/Flush. startSector must have room for (n+7)/8 bytes rounded up to
// whole sectors.
func (b *Bitmap) Attach(dev blockdev.Device, cache *bcache.Cache, startSector blockdev.SectorNum) {
	b.dev = dev
	b.cache = cache
	b.sector = startSector
}

// Load reads the persisted bitmap back from its attached region.
func (b *Bitmap) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := len(b.bits)
	sector := b.sector
	off := 0
	for remaining > 0 {
		n := blockdev.SectorSize
		if n > remaining {
			n = remaining
		}
		if err := b.cache.ReadThrough(ctx, b.dev, sector, 0, b.bits[off:off+n]); err != nil {
			return err
		}
		off += n
		remaining -= n
		sector++
	}
	return nil
}

// Flush persists the bitmap to its attached region.
func (b *Bitmap) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := len(b.bits)
	sector := b.sector
	off := 0
	for remaining > 0 {
		n := blockdev.SectorSize
		if n > remaining {
			n = remaining
		}
		if err := b.cache.WriteThrough(ctx, b.dev, sector, 0, b.bits[off:off+n]); err != nil {
			return err
		}
		off += n
		remaining -= n
		sector++
	}
	return nil
}

func (b *Bitmap) testBit(i int64) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

func (b *Bitmap) setBit(i int64, v bool) {
	if v {
		b.bits[i/8] |= 1 << uint(i%8)
	} else {
		b.bits[i/8] &^= 1 << uint(i%8)
	}
}

// Allocate scans for the first run of n clear bits, marks them allocated,
// and returns the starting index. ok is false if no such run exists
// (spec.md §4.2).
func (b *Bitmap) Allocate(n int64) (start int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		panic("freemap: allocate requires n > 0")
	}
	run := int64(0)
	for i := int64(0); i < b.n; i++ {
		if b.testBit(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			begin := i - n + 1
			for j := begin; j <= i; j++ {
				b.setBit(j, true)
			}
			return begin, true
		}
	}
	return 0, false
}

// Release clears n bits starting at start.
func (b *Bitmap) Release(start int64, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := start; i < start+n; i++ {
		b.setBit(i, false)
	}
}

// IsAllocated reports whether sector i is currently marked allocated; used
// by tests verifying the round-trip "allocate then release then allocate
// again observes the same sectors" (spec.md §8 scenario 6).
func (b *Bitmap) IsAllocated(i int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.testBit(i)
}

// MarkReserved allocates the given fixed sector range unconditionally, used
// at mkfs time to reserve the boot sector, free-map inode sector, and root
// directory inode sector.
func (b *Bitmap) MarkReserved(start, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := start; i < start+n; i++ {
		b.setBit(i, true)
	}
}
