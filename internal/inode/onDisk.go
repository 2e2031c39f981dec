package inode

import (
	"encoding/binary"

	"kcore/internal/blockdev"
	"kcore/internal/defs"
)

// Layout constants. spec.md §3 describes "9 direct, 1 single-indirect, 1
// double-indirect" but also "array of 12 block pointers" — 9+1+1 sums to 11,
// not 12. _examples/original_source/src/filesys/inode.c resolves the
// ambiguity: NADDR=12, NINDIRECT=1, NDINDIRECT=1, NDIRECT=10. This rewrite
// follows the original: 10 direct pointers, matching the stated array size
// (see DESIGN.md, Open Question resolution).
const (
	numDirect           = 10
	numIndirect         = 1
	numDoubleIndirect    = 1
	numAddr             = numDirect + numIndirect + numDoubleIndirect // 12
	pointersPerIndirect = blockdev.SectorSize / 4                     // 128

	sentinel = int32(-1)

	magic = 0x494e4f44
)

// Wire offsets within the 512-byte on-disk inode, mirroring the teacher's
// super.go fieldr/fieldw pattern of addressing fixed offsets directly rather
// than relying on struct layout/alignment.
const (
	offType   = 0
	offNlink  = 2
	offMajor  = 4
	offMinor  = 6
	offAddr   = 8 // numAddr * 4 bytes follow
	offLength = offAddr + numAddr*4
	offMagic  = offLength + 4
	diskSize  = blockdev.SectorSize
)

func addrOffset(i int) int { return offAddr + i*4 }

// onDisk is the decoded in-memory form of one on-disk inode sector
// (spec.md §3 "On-disk inode", §6 wire layout).
type onDisk struct {
	Type   defs.Itype_t
	Nlink  uint16
	Major  uint16
	Minor  uint16
	Addr   [numAddr]int32
	Length int32
}

func newDisk(t defs.Itype_t) onDisk {
	d := onDisk{Type: t, Nlink: 1}
	for i := range d.Addr {
		d.Addr[i] = sentinel
	}
	return d
}

// marshal serializes d into a full diskSize-byte sector, zero-filling the
// unused padding, consistent with create() writing a fresh, fully
// deterministic sector.
func (d *onDisk) marshal() [diskSize]byte {
	var buf [diskSize]byte
	binary.LittleEndian.PutUint16(buf[offType:], uint16(d.Type))
	binary.LittleEndian.PutUint16(buf[offNlink:], d.Nlink)
	binary.LittleEndian.PutUint16(buf[offMajor:], d.Major)
	binary.LittleEndian.PutUint16(buf[offMinor:], d.Minor)
	for i, a := range d.Addr {
		binary.LittleEndian.PutUint32(buf[addrOffset(i):], uint32(a))
	}
	binary.LittleEndian.PutUint32(buf[offLength:], uint32(d.Length))
	binary.LittleEndian.PutUint32(buf[offMagic:], magic)
	return buf
}

// unmarshal decodes buf into d. It panics if the magic number doesn't match
// (spec.md §3 invariant "the magic matches on every load"; §7 classifies a
// magic mismatch as a fatal invariant violation).
func (d *onDisk) unmarshal(buf []byte) {
	if len(buf) < diskSize {
		panic("inode: short disk sector buffer")
	}
	got := binary.LittleEndian.Uint32(buf[offMagic:])
	if got != magic {
		panic("inode: magic mismatch, on-disk inode corrupt")
	}
	d.Type = defs.Itype_t(binary.LittleEndian.Uint16(buf[offType:]))
	d.Nlink = binary.LittleEndian.Uint16(buf[offNlink:])
	d.Major = binary.LittleEndian.Uint16(buf[offMajor:])
	d.Minor = binary.LittleEndian.Uint16(buf[offMinor:])
	for i := range d.Addr {
		d.Addr[i] = int32(binary.LittleEndian.Uint32(buf[addrOffset(i):]))
	}
	d.Length = int32(binary.LittleEndian.Uint32(buf[offLength:]))
}
