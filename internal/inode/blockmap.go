package inode

import (
	"context"
	"encoding/binary"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
)

// blockSector resolves the data sector backing the index'th 512-byte block
// of h. With alloc=false an unallocated block returns -defs.ENOENT (the
// caller zero-fills instead). With alloc=true, missing intermediate index
// blocks and the leaf data block are allocated from the free map and the
// parent pointer is persisted before returning (spec.md §3 block-map walk).
func (t *Table) blockSector(ctx context.Context, h *Handle, index int, alloc bool) (blockdev.SectorNum, defs.Err_t) {
	return t.blockSectorTracked(ctx, h, index, alloc, nil)
}

// blockSectorTracked is blockSector with an optional allocation-tracking
// callback, used by Create to roll back every sector it allocated if it
// fails partway through (spec.md §9 scoped-release pattern).
func (t *Table) blockSectorTracked(ctx context.Context, h *Handle, index int, alloc bool, track func(int64)) (blockdev.SectorNum, defs.Err_t) {
	switch {
	case index < numDirect:
		return t.resolveSlot(ctx, h.Sector, addrOffset(index), &h.disk.Addr[index], alloc, false, track)

	case index < numDirect+pointersPerIndirect:
		idx := index - numDirect
		indirect, err := t.resolveSlot(ctx, h.Sector, addrOffset(numDirect), &h.disk.Addr[numDirect], alloc, true, track)
		if err != 0 {
			return 0, err
		}
		return t.resolvePointer(ctx, indirect, idx*4, alloc, false, track)

	default:
		idx := index - numDirect - pointersPerIndirect
		l1 := idx / pointersPerIndirect
		l2 := idx % pointersPerIndirect
		top, err := t.resolveSlot(ctx, h.Sector, addrOffset(numDirect+1), &h.disk.Addr[numDirect+1], alloc, true, track)
		if err != 0 {
			return 0, err
		}
		mid, err := t.resolvePointer(ctx, top, l1*4, alloc, true, track)
		if err != 0 {
			return 0, err
		}
		return t.resolvePointer(ctx, mid, l2*4, alloc, false, track)
	}
}

// resolveSlot resolves a pointer held directly in an inode's addr array
// (parent is the inode sector itself, slot is the in-memory mirror of
// addr[i]).
func (t *Table) resolveSlot(ctx context.Context, parent blockdev.SectorNum, offset int, slot *int32, alloc, isIndexBlock bool, track func(int64)) (blockdev.SectorNum, defs.Err_t) {
	if *slot != sentinel {
		return blockdev.SectorNum(*slot), 0
	}
	if !alloc {
		return 0, -defs.ENOENT
	}
	sector, err := t.allocBlock(ctx, isIndexBlock, track)
	if err != 0 {
		return 0, err
	}
	*slot = int32(sector)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(sector))
	if werr := t.cache.WriteThrough(ctx, t.dev, parent, offset, buf[:]); werr != nil {
		return 0, -defs.EIO
	}
	return sector, 0
}

// resolvePointer resolves a pointer stored inside an index block (parent is
// that block's sector, offset is the byte offset of the pointer within it).
func (t *Table) resolvePointer(ctx context.Context, parent blockdev.SectorNum, offset int, alloc, isIndexBlock bool, track func(int64)) (blockdev.SectorNum, defs.Err_t) {
	var buf [4]byte
	if err := t.cache.ReadThrough(ctx, t.dev, parent, offset, buf[:]); err != nil {
		return 0, -defs.EIO
	}
	v := int32(binary.LittleEndian.Uint32(buf[:]))
	if v != sentinel {
		return blockdev.SectorNum(v), 0
	}
	if !alloc {
		return 0, -defs.ENOENT
	}
	sector, err := t.allocBlock(ctx, isIndexBlock, track)
	if err != 0 {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(sector))
	if werr := t.cache.WriteThrough(ctx, t.dev, parent, offset, buf[:]); werr != nil {
		return 0, -defs.EIO
	}
	return sector, 0
}

// allocBlock allocates one sector from the free map and zero-initializes
// it: index blocks are filled with the all-sentinel pattern (every pointer
// unallocated), leaf data blocks are zeroed.
func (t *Table) allocBlock(ctx context.Context, isIndexBlock bool, track func(int64)) (blockdev.SectorNum, defs.Err_t) {
	start, ok := t.free.Allocate(1)
	if !ok {
		return 0, -defs.ENOSPC
	}
	sector := blockdev.SectorNum(start)
	fillByte := byte(0x00)
	if isIndexBlock {
		fillByte = 0xff // every uint32 reads back as sentinel (-1)
	}
	if err := t.cache.Fill(ctx, t.dev, sector, 0, fillByte, blockdev.SectorSize); err != nil {
		t.free.Release(start, 1)
		return 0, -defs.EIO
	}
	if track != nil {
		track(start)
	}
	return sector, 0
}

// freeAllBlocks walks every allocated direct, single-indirect, and
// double-indirect pointer reachable from h and releases the sectors back to
// the free map. Used on remove-at-last-close; Create rolls back through
// releaseGuard instead.
func (t *Table) freeAllBlocks(h *Handle) {
	ctx := context.Background()
	for i := 0; i < numDirect; i++ {
		if h.disk.Addr[i] != sentinel {
			t.free.Release(int64(h.disk.Addr[i]), 1)
		}
	}
	if ind := h.disk.Addr[numDirect]; ind != sentinel {
		t.freeIndexBlock(ctx, blockdev.SectorNum(ind), false)
		t.free.Release(int64(ind), 1)
	}
	if dind := h.disk.Addr[numDirect+1]; dind != sentinel {
		t.freeIndexBlock(ctx, blockdev.SectorNum(dind), true)
		t.free.Release(int64(dind), 1)
	}
}

// freeIndexBlock releases every non-sentinel pointer stored in the index
// block at sector. When doubleLevel is true, each entry itself names a
// second-level index block whose contents are released first.
func (t *Table) freeIndexBlock(ctx context.Context, sector blockdev.SectorNum, doubleLevel bool) {
	var buf [blockdev.SectorSize]byte
	if err := t.cache.ReadThrough(ctx, t.dev, sector, 0, buf[:]); err != nil {
		return
	}
	for i := 0; i < pointersPerIndirect; i++ {
		v := int32(binary.LittleEndian.Uint32(buf[i*4:]))
		if v == sentinel {
			continue
		}
		if doubleLevel {
			t.freeIndexBlock(ctx, blockdev.SectorNum(v), false)
		}
		t.free.Release(int64(v), 1)
	}
}
