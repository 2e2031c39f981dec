package vmem

import (
	"context"
	"sync"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/frame"
	"kcore/internal/inode"
	"kcore/internal/metrics"
	"kcore/internal/swap"
)

// AddressSpace is one process's VMA list, page table, and two bounded frame
// pools. Never shared between processes (spec.md §5).
type AddressSpace struct {
	mu sync.Mutex

	areas    []*Area
	pt       map[frame.Vpage]*frame.Entry
	swapHash map[frame.Vpage]blockdev.SectorNum

	writable *frame.Pool
	readonly *frame.Pool

	itab *inode.Table
	swap *swap.Table
}

// New builds an address space whose writable and read-only pools are capped
// at capW and capR frames (spec.md §4.6 NUM_FRAMES_W / NUM_FRAMES_R).
func New(itab *inode.Table, swapTab *swap.Table, capW, capR int, m *metrics.Frame) *AddressSpace {
	return &AddressSpace{
		pt:       make(map[frame.Vpage]*frame.Entry),
		swapHash: make(map[frame.Vpage]blockdev.SectorNum),
		writable: frame.NewPool(capW, true, "writable", m),
		readonly: frame.NewPool(capR, false, "readonly", m),
		itab:     itab,
		swap:     swapTab,
	}
}

// AddExecutable installs a read-only, executable-flagged VMA covering the
// whole of file, used by exec to map in program text without needing an
// ELF segment parser this spec never describes.
func (as *AddressSpace) AddExecutable(start frame.Vpage, file *inode.Handle) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.areas = append(as.areas, &Area{
		Start: start, End: start + frame.Vpage(roundUpSize(file.Length())),
		Writable: false, FileBacked: true, IsExecutable: true, File: file,
	})
}

func (as *AddressSpace) lookupLocked(u frame.Vpage) *Area {
	for _, a := range as.areas {
		if u >= a.Start && u < a.End {
			return a
		}
	}
	return nil
}

func (as *AddressSpace) overlapsLocked(start, end frame.Vpage) bool {
	for _, a := range as.areas {
		if start < a.End && end > a.Start {
			return true
		}
	}
	return false
}

// isStackGrowth reports whether faultAddr is 4 or 32 bytes below the
// current stack pointer, the two offsets a PUSH/PUSHA instruction can fault
// on (spec.md §4.6 step 3).
func isStackGrowth(faultAddr, stackPtr uintptr) bool {
	return faultAddr == stackPtr-4 || faultAddr == stackPtr-32
}

// PageFault services a page fault at faultAddr, following spec.md §4.6
// steps 1-6 exactly.
func (as *AddressSpace) PageFault(ctx context.Context, faultAddr, stackPtr uintptr, fromUser bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	u := pageDown(faultAddr)
	vma := as.lookupLocked(u)
	if vma == nil {
		if !fromUser || !isStackGrowth(faultAddr, stackPtr) {
			return -defs.EFAULT
		}
		vma = &Area{Start: pageDown(faultAddr), End: pageUp(faultAddr), Writable: true}
		as.areas = append(as.areas, vma)
	}

	pool := as.readonly
	if vma.Writable {
		pool = as.writable
	}
	entry, evicted := pool.Acquire()
	if evicted {
		if err := as.saveVictimLocked(ctx, entry); err != 0 {
			return err
		}
	}

	offset := int64(u-vma.Start) + vma.Offset
	readBytes := 0
	if vma.FileBacked {
		readBytes = int(vma.End - u)
		if readBytes > frame.PageSize {
			readBytes = frame.PageSize
		}
	}

	if sector, ok := as.swapHash[u]; ok {
		if err := as.swap.Read(ctx, sector, entry.Buf); err != nil {
			return -defs.EIO
		}
	} else if vma.FileBacked {
		n, rerr := as.itab.ReadAt(ctx, vma.File, entry.Buf[:readBytes], offset)
		if rerr != 0 {
			return rerr
		}
		for i := n; i < frame.PageSize; i++ {
			entry.Buf[i] = 0
		}
	} else {
		for i := range entry.Buf {
			entry.Buf[i] = 0
		}
	}

	entry.Vpage = u
	entry.Writable = vma.Writable
	entry.Accessed = true
	entry.Dirty = false
	as.pt[u] = entry
	return 0
}

// saveVictimLocked persists a victim Entry's prior contents (swap, plus a
// conditional file write-through) before the caller overwrites it, and
// removes its stale page-table mapping (spec.md §4.6 "Victim save", §4.7).
// Caller holds as.mu.
func (as *AddressSpace) saveVictimLocked(ctx context.Context, e *frame.Entry) defs.Err_t {
	old := e.Vpage
	delete(as.pt, old)
	if !e.Writable || !e.Dirty {
		return 0
	}

	if vma := as.lookupLocked(old); vma != nil && vma.FileBacked && !vma.IsExecutable {
		off := int64(old-vma.Start) + vma.Offset
		if _, werr := as.itab.WriteAt(ctx, vma.File, e.Buf, off); werr != 0 {
			return werr
		}
	}

	if sector, ok := as.swapHash[old]; ok {
		if err := as.swap.Overwrite(ctx, sector, e.Buf); err != nil {
			return -defs.EIO
		}
		return 0
	}
	sector, err := as.swap.Write(ctx, e.Buf)
	if err != nil {
		return -defs.ENOMEM
	}
	as.swapHash[old] = sector
	return 0
}

// Teardown writes back dirty file-backed writable pages, frees every swap
// slot, and drops the process's frame pools (spec.md §4.7 "On process
// exit").
func (as *AddressSpace) Teardown(ctx context.Context) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, vma := range as.areas {
		if !vma.FileBacked || !vma.Writable {
			continue
		}
		for u := vma.Start; u < vma.End; u += frame.PageSize {
			e, ok := as.pt[u]
			if !ok || !e.Dirty {
				continue
			}
			off := int64(u-vma.Start) + vma.Offset
			as.itab.WriteAt(ctx, vma.File, e.Buf, off)
		}
	}
	for u, e := range as.pt {
		if e.Writable {
			as.writable.Drop(e)
		} else {
			as.readonly.Drop(e)
		}
		delete(as.pt, u)
	}
	for _, sector := range as.swapHash {
		as.swap.Free(sector)
	}
	as.swapHash = make(map[frame.Vpage]blockdev.SectorNum)
}
