// Package blockdev provides the capability object block devices are
// consumed through, plus two concrete devices: an in-memory device for tests
// and a file-backed device for a real filesystem image. This generalizes the
// teacher's fs.Disk_i interface (biscuit/src/fs/blk.go), which abstracted an
// AHCI driver's request queue; here the driver is out of scope (spec.md §1)
// so the interface collapses to the two synchronous methods it was always
// used for from above the cache.
package blockdev

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SectorSize is the fixed size of one addressable sector.
const SectorSize = 512

// SectorNum addresses a sector within a single device's address space.
type SectorNum int64

// Role classifies what a device is used for, mirroring defs.D_* constants
// in spirit but at device rather than file granularity.
type Role int

const (
	RoleKernel Role = iota
	RoleFilesys
	RoleScratch
	RoleSwap
	RoleRaw
	RoleForeign // writes are rejected; spec.md §6
)

func (r Role) String() string {
	switch r {
	case RoleKernel:
		return "kernel"
	case RoleFilesys:
		return "filesys"
	case RoleScratch:
		return "scratch"
	case RoleSwap:
		return "swap"
	case RoleRaw:
		return "raw"
	case RoleForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Device is the capability every higher layer consumes: positioned,
// synchronous sector I/O. Implementations must be internally synchronized
// (spec.md §4.1 "Block-device drivers are assumed to be internally
// synchronised").
type Device interface {
	Name() string
	Role() Role
	SectorCount() int64
	ReadAt(ctx context.Context, sector SectorNum, buf []byte) error
	WriteAt(ctx context.Context, sector SectorNum, buf []byte) error
}

// ErrForeign is returned when a write targets a RoleForeign device.
var ErrForeign = fmt.Errorf("blockdev: write to foreign device forbidden")

func checkWrite(d Device) error {
	if d.Role() == RoleForeign {
		return ErrForeign
	}
	return nil
}

// Memory is a byte-slice backed device, the fast test double used by every
// package above blockdev (grounded on the pack-wide convention of an
// in-memory double for the real device, e.g. gcsfuse's fake-gcs-server and
// jacobsa/fuse's in-memory test fixtures).
type Memory struct {
	mu   sync.Mutex
	name string
	role Role
	data []byte
}

// NewMemory allocates an in-memory device of the given sector count.
func NewMemory(name string, role Role, sectors int64) *Memory {
	return &Memory{name: name, role: role, data: make([]byte, sectors*SectorSize)}
}

func (m *Memory) Name() string       { return m.name }
func (m *Memory) Role() Role         { return m.role }
func (m *Memory) SectorCount() int64 { return int64(len(m.data) / SectorSize) }

func (m *Memory) ReadAt(_ context.Context, sector SectorNum, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(sector) * SectorSize
	if off < 0 || off+int64(len(buf)) > int64(len(m.data)) {
		panic(fmt.Sprintf("blockdev: sector %d out of range on %q", sector, m.name))
	}
	copy(buf, m.data[off:off+int64(len(buf))])
	return nil
}

func (m *Memory) WriteAt(_ context.Context, sector SectorNum, buf []byte) error {
	if err := checkWrite(m); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(sector) * SectorSize
	if off < 0 || off+int64(len(buf)) > int64(len(m.data)) {
		panic(fmt.Sprintf("blockdev: sector %d out of range on %q", sector, m.name))
	}
	copy(m.data[off:off+int64(len(buf))], buf)
	return nil
}

// File is backed by a raw file descriptor (unix.Open) on a real filesystem image. Reads and
// writes use golang.org/x/sys/unix.Pread/Pwrite so concurrent callers never
// disturb a shared file offset — the portable substitute for the teacher's
// AHCI driver, which spec.md §1 places out of scope.
type File struct {
	name    string
	role    Role
	fd      int
	sectors int64
}

// OpenFile opens path (which must already exist and be at least
// sectors*SectorSize bytes long) as a block device.
func OpenFile(path string, role Role, sectors int64) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	return &File{name: path, role: role, fd: fd, sectors: sectors}, nil
}

func (f *File) Name() string       { return f.name }
func (f *File) Role() Role         { return f.role }
func (f *File) SectorCount() int64 { return f.sectors }

func (f *File) ReadAt(_ context.Context, sector SectorNum, buf []byte) error {
	if int64(sector) < 0 || int64(sector) >= f.sectors {
		panic(fmt.Sprintf("blockdev: sector %d out of range on %q", sector, f.name))
	}
	n, err := unix.Pread(f.fd, buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdev: pread %s: %w", f.name, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockdev: short read on %s: got %d want %d", f.name, n, len(buf))
	}
	return nil
}

func (f *File) WriteAt(_ context.Context, sector SectorNum, buf []byte) error {
	if err := checkWrite(f); err != nil {
		return err
	}
	if int64(sector) < 0 || int64(sector) >= f.sectors {
		panic(fmt.Sprintf("blockdev: sector %d out of range on %q", sector, f.name))
	}
	n, err := unix.Pwrite(f.fd, buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdev: pwrite %s: %w", f.name, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockdev: short write on %s: got %d want %d", f.name, n, len(buf))
	}
	return nil
}

// Close releases the underlying file descriptor.
func (f *File) Close() error {
	return unix.Close(f.fd)
}
