package inode

import "kcore/internal/freemap"

// releaseGuard accumulates sector allocations made during a multi-step
// operation and releases all of them on Close unless Commit was called
// first. This replaces the original's goto-done early-exit cleanup
// (_examples/original_source/src/filesys/inode.c inode_create) with an
// explicit scoped-release object, in the spirit of the teacher's defer-heavy
// error paths (biscuit/src/fs/fs.go fs_create, which defers cleanup of a
// partially-built inode on any failure branch).
type releaseGuard struct {
	free      *freemap.Bitmap
	sectors   []int64
	committed bool
}

func newReleaseGuard(free *freemap.Bitmap) *releaseGuard {
	return &releaseGuard{free: free}
}

func (g *releaseGuard) track(sector int64) {
	g.sectors = append(g.sectors, sector)
}

// Commit disarms the guard: its tracked sectors are now owned by the
// caller's committed result and must not be released.
func (g *releaseGuard) Commit() {
	g.committed = true
}

// Close releases every tracked sector unless Commit was called. Safe to
// call unconditionally via defer.
func (g *releaseGuard) Close() {
	if g.committed {
		return
	}
	for _, s := range g.sectors {
		g.free.Release(s, 1)
	}
}
