package directory

import (
	"context"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/inode"
)

func numSlots(h *inode.Handle) int {
	return int(h.Length()) / entrySize
}

func readSlot(ctx context.Context, itab *inode.Table, h *inode.Handle, i int) (entry, defs.Err_t) {
	var buf [entrySize]byte
	n, err := itab.ReadAt(ctx, h, buf[:], int64(i)*entrySize)
	if err != 0 {
		return entry{}, err
	}
	if n != entrySize {
		return entry{}, -defs.EIO
	}
	return unmarshalEntry(buf[:]), 0
}

func writeSlot(ctx context.Context, itab *inode.Table, h *inode.Handle, i int, e entry) defs.Err_t {
	buf := marshalEntry(e)
	if _, err := itab.WriteAt(ctx, h, buf[:], int64(i)*entrySize); err != 0 {
		return err
	}
	return 0
}

// Lookup scans dir for name, returning its inode sector (spec.md §4.5
// "lookup").
func Lookup(ctx context.Context, itab *inode.Table, dir *inode.Handle, name string) (blockdev.SectorNum, bool) {
	n := numSlots(dir)
	for i := 0; i < n; i++ {
		e, err := readSlot(ctx, itab, dir, i)
		if err != 0 {
			return 0, false
		}
		if e.inUse && e.name == name {
			return e.inode, true
		}
	}
	return 0, false
}

// Add inserts a (name, sector) pair into dir, reusing the first unused slot
// if one exists and appending a fresh slot otherwise. Returns -EEXIST if
// name is already present, -ENAMETOOLONG if it exceeds NameMax (spec.md
// §4.5 "add").
func Add(ctx context.Context, itab *inode.Table, dir *inode.Handle, name string, sector blockdev.SectorNum) defs.Err_t {
	if len(name) > NameMax {
		return -defs.ENAMETOOLONG
	}
	n := numSlots(dir)
	freeSlot := -1
	for i := 0; i < n; i++ {
		e, err := readSlot(ctx, itab, dir, i)
		if err != 0 {
			return err
		}
		if e.inUse {
			if e.name == name {
				return -defs.EEXIST
			}
			continue
		}
		if freeSlot < 0 {
			freeSlot = i
		}
	}
	slot := freeSlot
	if slot < 0 {
		slot = n
	}
	return writeSlot(ctx, itab, dir, slot, entry{inode: sector, name: name, inUse: true})
}

// Remove clears the slot named name, returning -ENOENT if absent (spec.md
// §4.5 "remove").
func Remove(ctx context.Context, itab *inode.Table, dir *inode.Handle, name string) defs.Err_t {
	n := numSlots(dir)
	for i := 0; i < n; i++ {
		e, err := readSlot(ctx, itab, dir, i)
		if err != 0 {
			return err
		}
		if e.inUse && e.name == name {
			return writeSlot(ctx, itab, dir, i, entry{inUse: false})
		}
	}
	return -defs.ENOENT
}

// Entry is a single (name, inode sector) pair returned by Readdir.
type Entry struct {
	Name   string
	Sector blockdev.SectorNum
}

// Readdir lists every in-use entry, "." and ".." included (spec.md §4.5
// "readdir"; callers that want to hide self-entries filter these out
// themselves, matching the teacher's habit of keeping iteration primitives
// unopinionated about presentation).
func Readdir(ctx context.Context, itab *inode.Table, dir *inode.Handle) ([]Entry, defs.Err_t) {
	n := numSlots(dir)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := readSlot(ctx, itab, dir, i)
		if err != 0 {
			return nil, err
		}
		if e.inUse {
			out = append(out, Entry{Name: e.name, Sector: e.inode})
		}
	}
	return out, 0
}

// IsEmpty reports whether dir holds nothing but "." and "..", the
// precondition for removing a directory (spec.md §4.6 "rmdir").
func IsEmpty(ctx context.Context, itab *inode.Table, dir *inode.Handle) (bool, defs.Err_t) {
	entries, err := Readdir(ctx, itab, dir)
	if err != 0 {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, 0
		}
	}
	return true, 0
}

// CreateSubdir allocates and initializes a fresh directory inode at
// newSector (self-linking "." and parent-linking ".." entries) and links it
// into parentDir under name (spec.md §4.6 "mkdir").
func CreateSubdir(ctx context.Context, itab *inode.Table, parentDir *inode.Handle, parentSector, newSector blockdev.SectorNum, name string) defs.Err_t {
	if !itab.Create(ctx, newSector, 2*entrySize, defs.I_DIR) {
		return -defs.ENOSPC
	}
	h, err := itab.Open(ctx, newSector)
	if err != 0 {
		return err
	}
	defer itab.Close(ctx, h)

	if err := writeSlot(ctx, itab, h, 0, entry{inode: newSector, name: ".", inUse: true}); err != 0 {
		return err
	}
	if err := writeSlot(ctx, itab, h, 1, entry{inode: parentSector, name: "..", inUse: true}); err != 0 {
		return err
	}
	return Add(ctx, itab, parentDir, name, newSector)
}

// Unlink removes a subdirectory's self-entries before erasing its name from
// parentDir, mirroring directory.c's dir_remove: the target's own "." and
// ".." slots are invalidated first so a concurrent walker following a stale
// handle sees an empty, unreachable directory rather than a half-removed
// one (spec.md §4.6 "rmdir").
func Unlink(ctx context.Context, itab *inode.Table, target *inode.Handle, parentDir *inode.Handle, name string) defs.Err_t {
	n := numSlots(target)
	for i := 0; i < n; i++ {
		e, err := readSlot(ctx, itab, target, i)
		if err != 0 {
			return err
		}
		if e.inUse && (e.name == "." || e.name == "..") {
			if err := writeSlot(ctx, itab, target, i, entry{inUse: false}); err != 0 {
				return err
			}
		}
	}
	return Remove(ctx, itab, parentDir, name)
}
