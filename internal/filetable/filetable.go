// Package filetable implements the per-process file-descriptor table: a
// sparse slice of open-file slots, with fd 0 and 1 reserved for console
// input/output (spec.md §4.5 "File descriptor table").
//
// Grounded on the teacher's per-process fd table (biscuit/src/fs/fs.go
// Fd_t / Fdtable), generalized since this rewrite's file table references
// *inode.Handle directly rather than a shared vnode cache.
package filetable

import (
	"sync"

	"kcore/internal/defs"
	"kcore/internal/inode"
)

// Reserved descriptor numbers, mirroring the teacher's convention of fd 0
// for stdin and fd 1 for stdout/console, never handed out by Alloc.
const (
	FdStdin  = 0
	FdStdout = 1
	firstFd  = 2
)

// File is one open-file entry: an inode handle plus a private read/write
// cursor and the flags it was opened with.
type File struct {
	Handle   *inode.Handle
	Offset   int64
	Readable bool
	Writable bool
	Deny     bool // true if this open holds a deny-write reservation
}

// Table is one process's descriptor table.
type Table struct {
	mu    sync.Mutex
	slots []*File // slots[0], slots[1] reserved; nil entries are free fds
}

// New builds an empty table with fd 0 and 1 reserved for the console.
func New() *Table {
	t := &Table{slots: make([]*File, firstFd)}
	t.slots[FdStdin] = &File{Readable: true}
	t.slots[FdStdout] = &File{Writable: true}
	return t
}

// Alloc installs f at the lowest fd ≥ 2 not currently in use.
func (t *Table) Alloc(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := firstFd; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Get returns the file at fd, or -defs.EBADF if fd is out of range or
// unused.
func (t *Table) Get(fd int) (*File, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, -defs.EBADF
	}
	return t.slots[fd], 0
}

// Close frees fd, returning the File that was there so the caller can run
// any inode-level teardown (deny-write release, handle close).
func (t *Table) Close(fd int) (*File, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < firstFd || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, -defs.EBADF
	}
	f := t.slots[fd]
	t.slots[fd] = nil
	return f, 0
}

// Dup installs a second reference to the same File object at a fresh fd,
// sharing the cursor (spec.md §4.7 dup semantics: the offset is shared,
// not copied).
func (t *Table) Dup(fd int) (int, defs.Err_t) {
	f, err := t.Get(fd)
	if err != 0 {
		return 0, err
	}
	return t.Alloc(f), 0
}

// Entries returns every currently open fd ≥ 2, for exit-time cleanup.
func (t *Table) Entries() map[int]*File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]*File)
	for i := firstFd; i < len(t.slots); i++ {
		if t.slots[i] != nil {
			out[i] = t.slots[i]
		}
	}
	return out
}
