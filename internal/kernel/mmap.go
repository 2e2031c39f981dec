package kernel

import (
	"context"

	"kcore/internal/defs"
	"kcore/internal/frame"
)

// Mmap maps the file open at fd into p's address space at addr, mirroring
// the file's deny-write status: a write-denied open (held by a running
// executable) can still be mapped, but never writably (spec.md §4.8
// "mmap(fd, addr)").
func (k *Kernel_t) Mmap(p *Proc_t, fd int, addr uintptr) (int64, defs.Err_t) {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return -1, err
	}
	writable := f.Writable && !f.Deny
	start, merr := p.AS.Mmap(f.Handle, addr, writable)
	if merr != 0 {
		return -1, merr
	}
	return int64(start), 0
}

// Munmap tears down the VMA starting at id (spec.md §4.8 "munmap(id)").
func (k *Kernel_t) Munmap(ctx context.Context, p *Proc_t, id int64) defs.Err_t {
	return p.AS.Munmap(ctx, frame.Vpage(id), k.itab)
}

// PageFault services a fault in p's address space at faultAddr, given the
// current user stack pointer (spec.md §4.6).
func (k *Kernel_t) PageFault(ctx context.Context, p *Proc_t, faultAddr, stackPtr uintptr, fromUser bool) defs.Err_t {
	if k.frameM != nil {
		k.frameM.Fault()
	}
	return p.AS.PageFault(ctx, faultAddr, stackPtr, fromUser)
}

// Peek and Poke are the explicit memory-access primitives for reading and
// writing through a process's mapped memory without a real CPU
// dereferencing a pointer into it. No cmd/kshell command calls them.
func (k *Kernel_t) Peek(ctx context.Context, p *Proc_t, addr uintptr, buf []byte) defs.Err_t {
	return p.AS.Peek(ctx, addr, buf)
}

func (k *Kernel_t) Poke(ctx context.Context, p *Proc_t, addr uintptr, buf []byte) defs.Err_t {
	return p.AS.Poke(ctx, addr, buf)
}
