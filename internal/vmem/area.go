// Package vmem implements per-process virtual memory areas, demand paging,
// and the mmap/munmap surface (spec.md §4.6, §4.8).
//
// Grounded on the teacher's vm/as.go (Addr_space_t, Vma_t linear list) for
// shape, adapted per spec.md §9's explicit redesign: user memory is backed
// by ordinary Go byte slices (frame.Entry.Buf) rather than the teacher's
// real x86-64 page-table/physical-frame plumbing, since this rewrite is an
// ordinary Go program with no privilege to trap hardware page faults.
package vmem

import (
	"kcore/internal/frame"
	"kcore/internal/inode"
)

// Area is one virtual memory area: either anonymous (stack growth) or
// file-backed (mmap, or a process's own executable text/data).
type Area struct {
	Start, End   frame.Vpage // page-aligned, [Start, End)
	Offset       int64       // file offset corresponding to Start
	Writable     bool
	FileBacked   bool
	IsExecutable bool // excluded from write-through-to-file on eviction, spec.md §4.7
	File         *inode.Handle
}

func pageDown(v uintptr) frame.Vpage {
	return frame.Vpage(v &^ (frame.PageSize - 1))
}

func pageUp(v uintptr) frame.Vpage {
	return frame.Vpage((v + frame.PageSize - 1) &^ (frame.PageSize - 1))
}

func roundUpSize(n int64) int64 {
	return (n + frame.PageSize - 1) &^ (frame.PageSize - 1)
}
