package kernel

import (
	"context"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/directory"
	"kcore/internal/filetable"
)

// Create allocates a fresh inode of the given size at path (spec.md §6
// "create(path, size)"). The filesystem-wide mutex is held for the whole
// operation, acquired outside any cache/inode lock per spec.md §5.
func (k *Kernel_t) Create(ctx context.Context, p *Proc_t, path string, size int64) defs.Err_t {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()

	parentSector, name, err := directory.Resolve(ctx, k.itab, k.rootSector, p.Cwd, path, true)
	if err != 0 {
		return err
	}
	parent, err := k.itab.Open(ctx, parentSector)
	if err != 0 {
		return err
	}
	defer k.itab.Close(ctx, parent)

	if _, exists := directory.Lookup(ctx, k.itab, parent, name); exists {
		return -defs.EEXIST
	}

	start, ok := k.free.Allocate(1)
	if !ok {
		return -defs.ENOSPC
	}
	newSector := blockdev.SectorNum(start)
	if !k.itab.Create(ctx, newSector, size, defs.I_FILE) {
		k.free.Release(start, 1)
		return -defs.ENOSPC
	}
	if err := directory.Add(ctx, k.itab, parent, name, newSector); err != 0 {
		// The inode and its data blocks are already committed to disk; undo
		// them the same way Remove reclaims an unlinked inode, rather than
		// leaving a live but unreachable inode behind.
		if h, oerr := k.itab.Open(ctx, newSector); oerr == 0 {
			k.itab.Remove(h)
			k.itab.Close(ctx, h)
		} else {
			k.free.Release(start, 1)
		}
		return err
	}
	return 0
}

// Remove unlinks path, reclaiming its inode at last close. Non-empty
// directories fail with -ENOTEMPTY (spec.md §6 "remove(path)").
func (k *Kernel_t) Remove(ctx context.Context, p *Proc_t, path string) defs.Err_t {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()

	parentSector, name, err := directory.Resolve(ctx, k.itab, k.rootSector, p.Cwd, path, true)
	if err != 0 {
		return err
	}
	parent, err := k.itab.Open(ctx, parentSector)
	if err != 0 {
		return err
	}
	defer k.itab.Close(ctx, parent)

	targetSector, ok := directory.Lookup(ctx, k.itab, parent, name)
	if !ok {
		return -defs.ENOENT
	}
	target, err := k.itab.Open(ctx, targetSector)
	if err != 0 {
		return err
	}
	defer k.itab.Close(ctx, target)

	if target.Type() == defs.I_DIR {
		empty, err := directory.IsEmpty(ctx, k.itab, target)
		if err != 0 {
			return err
		}
		if !empty {
			return -defs.ENOTEMPTY
		}
		if err := directory.Unlink(ctx, k.itab, target, parent, name); err != 0 {
			return err
		}
	} else if err := directory.Remove(ctx, k.itab, parent, name); err != 0 {
		return err
	}

	k.itab.Remove(target)
	return 0
}

// Open resolves path relative to p.Cwd and installs a new file-table entry,
// returning its descriptor (spec.md §6 "open(path) -> fd").
func (k *Kernel_t) Open(ctx context.Context, p *Proc_t, path string) (int, defs.Err_t) {
	k.fsLock.Lock()
	sector, _, rerr := directory.Resolve(ctx, k.itab, k.rootSector, p.Cwd, path, false)
	k.fsLock.Unlock()
	if rerr != 0 {
		return -1, rerr
	}

	h, oerr := k.itab.Open(ctx, sector)
	if oerr != 0 {
		return -1, oerr
	}
	fd := p.Files.Alloc(&filetable.File{Handle: h, Readable: true, Writable: true})
	return fd, 0
}

// Filesize returns the current length of the file open at fd.
func (k *Kernel_t) Filesize(p *Proc_t, fd int) (int64, defs.Err_t) {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return 0, err
	}
	return f.Handle.Length(), 0
}

// Read reads up to len(buf) bytes from fd at its current cursor, advancing
// it by the number of bytes actually read (spec.md §6 "read(fd, buf, n)").
func (k *Kernel_t) Read(ctx context.Context, p *Proc_t, fd int, buf []byte) (int, defs.Err_t) {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return 0, err
	}
	if !f.Readable {
		return 0, -defs.EPERM
	}
	n, rerr := k.itab.ReadAt(ctx, f.Handle, buf, f.Offset)
	if rerr != 0 {
		return 0, rerr
	}
	f.Offset += int64(n)
	return n, 0
}

// Write writes buf to fd at its current cursor, advancing it by the number
// of bytes actually written (spec.md §6 "write(fd, buf, n)").
func (k *Kernel_t) Write(ctx context.Context, p *Proc_t, fd int, buf []byte) (int, defs.Err_t) {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return 0, err
	}
	if !f.Writable {
		return 0, -defs.EPERM
	}
	n, werr := k.itab.WriteAt(ctx, f.Handle, buf, f.Offset)
	if werr != 0 {
		return 0, werr
	}
	f.Offset += int64(n)
	return n, 0
}

// Seek repositions fd's cursor.
func (k *Kernel_t) Seek(p *Proc_t, fd int, pos int64) defs.Err_t {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return err
	}
	if pos < 0 {
		return -defs.EINVAL
	}
	f.Offset = pos
	return 0
}

// Tell reports fd's current cursor.
func (k *Kernel_t) Tell(p *Proc_t, fd int) (int64, defs.Err_t) {
	f, err := p.Files.Get(fd)
	if err != 0 {
		return 0, err
	}
	return f.Offset, 0
}

// Close releases fd (spec.md §6 "close(fd)").
func (k *Kernel_t) Close(ctx context.Context, p *Proc_t, fd int) defs.Err_t {
	f, err := p.Files.Close(fd)
	if err != 0 {
		return err
	}
	k.closeFile(ctx, p, fd, f)
	return 0
}

// Chdir updates p's working directory (spec.md §6 "chdir(path)").
func (k *Kernel_t) Chdir(ctx context.Context, p *Proc_t, path string) defs.Err_t {
	k.fsLock.Lock()
	sector, _, rerr := directory.Resolve(ctx, k.itab, k.rootSector, p.Cwd, path, false)
	k.fsLock.Unlock()
	if rerr != 0 {
		return rerr
	}
	h, oerr := k.itab.Open(ctx, sector)
	if oerr != 0 {
		return oerr
	}
	defer k.itab.Close(ctx, h)
	if h.Type() != defs.I_DIR {
		return -defs.ENOTDIR
	}
	p.Cwd = sector
	return 0
}

// Mkdir creates a fresh directory at path, self-linked and parent-linked
// (spec.md §6 "mkdir(path)").
func (k *Kernel_t) Mkdir(ctx context.Context, p *Proc_t, path string) defs.Err_t {
	k.fsLock.Lock()
	defer k.fsLock.Unlock()

	parentSector, name, rerr := directory.Resolve(ctx, k.itab, k.rootSector, p.Cwd, path, true)
	if rerr != 0 {
		return rerr
	}
	parent, oerr := k.itab.Open(ctx, parentSector)
	if oerr != 0 {
		return oerr
	}
	defer k.itab.Close(ctx, parent)

	if _, exists := directory.Lookup(ctx, k.itab, parent, name); exists {
		return -defs.EEXIST
	}
	start, ok := k.free.Allocate(1)
	if !ok {
		return -defs.ENOSPC
	}
	newSector := blockdev.SectorNum(start)
	if err := directory.CreateSubdir(ctx, k.itab, parent, parentSector, newSector, name); err != 0 {
		k.free.Release(start, 1)
		return err
	}
	return 0
}

// Readdir returns the next not-yet-returned directory entry name for fd, or
// ok=false once every entry (including "." and "..") has been returned
// (spec.md §6 "readdir(fd, name_out)").
func (k *Kernel_t) Readdir(ctx context.Context, p *Proc_t, fd int) (name string, ok bool, err defs.Err_t) {
	f, ferr := p.Files.Get(fd)
	if ferr != 0 {
		return "", false, ferr
	}
	if f.Handle.Type() != defs.I_DIR {
		return "", false, -defs.ENOTDIR
	}
	entries, derr := directory.Readdir(ctx, k.itab, f.Handle)
	if derr != 0 {
		return "", false, derr
	}
	slot := int(f.Offset)
	if slot >= len(entries) {
		return "", false, 0
	}
	f.Offset++
	return entries[slot].Name, true, 0
}
