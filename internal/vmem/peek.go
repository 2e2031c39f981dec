package vmem

import (
	"context"

	"kcore/internal/defs"
	"kcore/internal/frame"
)

// ensurePresent faults addr's page in if it isn't mapped yet, then returns
// its frame entry.
func (as *AddressSpace) ensurePresent(ctx context.Context, addr uintptr) (*frame.Entry, defs.Err_t) {
	as.mu.Lock()
	u := pageDown(addr)
	if e, ok := as.pt[u]; ok {
		as.mu.Unlock()
		return e, 0
	}
	as.mu.Unlock()

	if err := as.PageFault(ctx, addr, addr, true); err != 0 {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt[pageDown(addr)], 0
}

// Peek copies len(buf) bytes starting at addr out of the mapped page,
// faulting it in on first touch and marking it accessed. This is the
// explicit memory-access primitive this rewrite exposes in place of the
// teacher's direct pointer dereference into a real page table (spec.md §9
// "arenas instead of raw pointer aliasing"): every read through mapped
// memory goes through here rather than aliasing the frame's buffer.
func (as *AddressSpace) Peek(ctx context.Context, addr uintptr, buf []byte) defs.Err_t {
	e, err := as.ensurePresent(ctx, addr)
	if err != 0 {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	off := int(addr - uintptr(e.Vpage))
	if off < 0 || off+len(buf) > frame.PageSize {
		return -defs.EFAULT
	}
	copy(buf, e.Buf[off:off+len(buf)])
	e.Accessed = true
	return 0
}

// Poke writes len(buf) bytes into the mapped page at addr, faulting it in
// on first touch and marking it accessed and dirty. Fails with -EPERM
// against a read-only VMA.
func (as *AddressSpace) Poke(ctx context.Context, addr uintptr, buf []byte) defs.Err_t {
	e, err := as.ensurePresent(ctx, addr)
	if err != 0 {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	vma := as.lookupLocked(pageDown(addr))
	if vma != nil && !vma.Writable {
		return -defs.EPERM
	}
	off := int(addr - uintptr(e.Vpage))
	if off < 0 || off+len(buf) > frame.PageSize {
		return -defs.EFAULT
	}
	copy(e.Buf[off:off+len(buf)], buf)
	e.Accessed = true
	e.Dirty = true
	return 0
}
