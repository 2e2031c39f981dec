// Package swap implements the system-wide swap device: an 8-sector-per-page
// allocator over a dedicated block device. The per-process "which swap
// sector holds this virtual page" hash lives in the vmem package, which
// owns per-process state; this package only provides the global
// allocate/read/write/free primitives (spec.md §4.7, §5 "the ... swap
// bitmap are global").
//
// Grounded on the teacher's allocator conventions (freemap, generalized
// here to page-sized runs) — the original has no direct swap-device
// analogue; Pintos' vm/swap.c (not present in the retrieved original_source
// slice) is the traditional reference design this follows in spirit.
package swap

import (
	"context"
	"fmt"

	"kcore/internal/blockdev"
	"kcore/internal/frame"
	"kcore/internal/freemap"
	"kcore/internal/metrics"
)

// SectorsPerPage is ceil(4096/512) = 8 (spec.md §4.7 "swap_write").
const SectorsPerPage = frame.PageSize / blockdev.SectorSize

// Table is the swap device plus its sector-run bitmap.
type Table struct {
	dev     blockdev.Device
	bitmap  *freemap.Bitmap
	metrics *metrics.Swap
}

// New builds a Table over dev, using bitmap (sized to dev's sector count)
// to track allocated 8-sector runs.
func New(dev blockdev.Device, bitmap *freemap.Bitmap, m *metrics.Swap) *Table {
	return &Table{dev: dev, bitmap: bitmap, metrics: m}
}

// Write allocates a fresh 8-sector run and writes the page there
// (spec.md §4.7 "swap_write(frame) → sector").
func (t *Table) Write(ctx context.Context, page []byte) (blockdev.SectorNum, error) {
	if len(page) != frame.PageSize {
		panic("swap: write requires an exactly page-sized buffer")
	}
	start, ok := t.bitmap.Allocate(SectorsPerPage)
	if !ok {
		return 0, fmt.Errorf("swap: device exhausted")
	}
	sector := blockdev.SectorNum(start)
	if err := t.dev.WriteAt(ctx, sector, page); err != nil {
		t.bitmap.Release(start, SectorsPerPage)
		return 0, err
	}
	t.metrics.Write()
	return sector, nil
}

// Overwrite rewrites an already-allocated slot in place, used when a page
// being evicted already owns a swap slot from a previous eviction (spec.md
// §4.7 "if a swap slot for u already exists, overwrite it in place").
func (t *Table) Overwrite(ctx context.Context, sector blockdev.SectorNum, page []byte) error {
	if len(page) != frame.PageSize {
		panic("swap: overwrite requires an exactly page-sized buffer")
	}
	if err := t.dev.WriteAt(ctx, sector, page); err != nil {
		return err
	}
	t.metrics.Write()
	return nil
}

// Read reads the 8-sector page back into page (spec.md §4.7
// "swap_read(sector, frame)"). The slot is deliberately left allocated —
// callers never free it here; see Free.
func (t *Table) Read(ctx context.Context, sector blockdev.SectorNum, page []byte) error {
	if len(page) != frame.PageSize {
		panic("swap: read requires an exactly page-sized buffer")
	}
	if err := t.dev.ReadAt(ctx, sector, page); err != nil {
		return err
	}
	t.metrics.Read()
	return nil
}

// Free releases an 8-sector run back to the bitmap. Process exit and munmap
// call this; an ordinary swap-in/fault does not, so a page can be
// re-evicted to the same slot cheaply.
func (t *Table) Free(sector blockdev.SectorNum) {
	t.bitmap.Release(int64(sector), SectorsPerPage)
}
