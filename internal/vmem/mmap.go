package vmem

import (
	"context"

	"kcore/internal/defs"
	"kcore/internal/frame"
	"kcore/internal/inode"
)

// Mmap creates a file-backed VMA at addr covering [addr, addr+file_length)
// (spec.md §4.8 "mmap"). addr must be page-aligned, non-zero, and must not
// overlap an existing VMA; writable mirrors the file's deny-write status
// (the caller is expected to have already consulted it, since only the
// file-table layer knows whether this open holds a deny-write reservation).
func (as *AddressSpace) Mmap(file *inode.Handle, addr uintptr, writable bool) (frame.Vpage, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if addr == 0 || addr%frame.PageSize != 0 {
		return 0, -defs.EINVAL
	}
	length := file.Length()
	if length == 0 {
		return 0, -defs.EINVAL
	}
	start := frame.Vpage(addr)
	end := start + frame.Vpage(roundUpSize(length))
	if as.overlapsLocked(start, end) {
		return 0, -defs.EINVAL
	}

	as.areas = append(as.areas, &Area{
		Start: start, End: end, Offset: 0,
		Writable: writable, FileBacked: true, File: file,
	})
	return start, 0
}

// Munmap locates the VMA starting at id, flushes its dirty pages back to
// the file at their correct offsets, drops the corresponding frames from
// both pools, frees any swap slots, closes the file handle, and removes the
// VMA (spec.md §4.8 "munmap").
func (as *AddressSpace) Munmap(ctx context.Context, id frame.Vpage, itab *inode.Table) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	idx := -1
	var vma *Area
	for i, a := range as.areas {
		if a.Start == id {
			idx, vma = i, a
			break
		}
	}
	if vma == nil {
		return -defs.EINVAL
	}

	for u := vma.Start; u < vma.End; u += frame.PageSize {
		if sector, ok := as.swapHash[u]; ok {
			as.swap.Free(sector)
			delete(as.swapHash, u)
		}
		e, ok := as.pt[u]
		if !ok {
			continue
		}
		if e.Dirty && vma.FileBacked && vma.Writable {
			off := int64(u-vma.Start) + vma.Offset
			if _, werr := itab.WriteAt(ctx, vma.File, e.Buf, off); werr != 0 {
				return werr
			}
		}
		pool := as.readonly
		if vma.Writable {
			pool = as.writable
		}
		pool.Drop(e)
		delete(as.pt, u)
	}

	itab.Close(ctx, vma.File)
	as.areas = append(as.areas[:idx], as.areas[idx+1:]...)
	return 0
}
