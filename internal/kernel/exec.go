package kernel

import (
	"context"

	"kcore/internal/defs"
	"kcore/internal/directory"
	"kcore/internal/frame"
)

// execBase is where a freshly exec'd process's text VMA is installed. This
// package has no CPU/ISA emulator (out of scope: spec.md describes the
// storage and memory-management core, not an instruction set), so Exec's
// job ends at "loaded and deny-written" — the returned Proc_t never
// actually runs code. Callers that want to observe filesystem/VM behavior
// drive its syscalls directly, the way a test harness would.
const execBase = 0x08000000

// Exec resolves path, opens it with a deny-write reservation, and returns a
// freshly built child process with that file mapped in as its executable
// text VMA (spec.md §6 "exec(cmd)").
func (k *Kernel_t) Exec(ctx context.Context, parent *Proc_t, path string) (*Proc_t, defs.Err_t) {
	k.fsLock.Lock()
	sector, _, rerr := directory.Resolve(ctx, k.itab, k.rootSector, parent.Cwd, path, false)
	k.fsLock.Unlock()
	if rerr != 0 {
		return nil, rerr
	}

	h, oerr := k.itab.Open(ctx, sector)
	if oerr != 0 {
		return nil, oerr
	}
	if h.Type() != defs.I_FILE {
		k.itab.Close(ctx, h)
		return nil, -defs.EINVAL
	}
	k.itab.DenyWrite(h)

	child := k.NewProc(parent.Cwd)
	child.Exe = h
	child.AS.AddExecutable(frame.Vpage(execBase), h)
	return child, 0
}
