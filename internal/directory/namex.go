package directory

import (
	"context"
	"strings"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
	"kcore/internal/inode"
)

// skipElem splits the first path component off path, returning it along
// with the remainder still to resolve. Repeated slashes and a leading slash
// are collapsed, mirroring the classic xv6 skipelem helper named in
// SPEC_FULL.md's path-resolution design.
func skipElem(path string) (elem, rest string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], strings.TrimLeft(path[i:], "/")
}

// Resolve walks path component by component, returning the sector of the
// named inode. The walk starts at root when path begins with "/" and at cwd
// otherwise (spec.md §4.4 "namex" picks its starting sector this way before
// ever looking at the first component). If parentMode is true, resolution
// stops one component short and returns the parent directory's sector plus
// the final component's name, without requiring that component to exist
// (spec.md §4.6 — used by create/mkdir/unlink to locate the containing
// directory of a not-yet-existing or about-to-be-removed name).
func Resolve(ctx context.Context, itab *inode.Table, root, cwd blockdev.SectorNum, path string, parentMode bool) (sector blockdev.SectorNum, name string, err defs.Err_t) {
	start := cwd
	if strings.HasPrefix(path, "/") {
		start = root
	}
	cur := start
	elem, rest := skipElem(path)
	if elem == "" {
		if parentMode {
			return 0, "", -defs.EINVAL
		}
		return start, "", 0
	}

	for {
		isLast := rest == ""
		if parentMode && isLast {
			return cur, elem, 0
		}

		h, oerr := itab.Open(ctx, cur)
		if oerr != 0 {
			return 0, "", oerr
		}
		if h.Type() != defs.I_DIR {
			itab.Close(ctx, h)
			return 0, "", -defs.ENOTDIR
		}
		child, ok := Lookup(ctx, itab, h, elem)
		itab.Close(ctx, h)
		if !ok {
			return 0, "", -defs.ENOENT
		}

		if isLast {
			return child, "", 0
		}
		cur = child
		elem, rest = skipElem(rest)
	}
}
