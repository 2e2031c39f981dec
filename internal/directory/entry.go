// Package directory implements the fixed-size directory-entry format and the
// lookup/add/remove/readdir operations over it, plus namex-style path
// resolution (spec.md §3 "Directory entry", §4.5-§4.6).
//
// Grounded on _examples/original_source/src/filesys/directory.c (dir_lookup,
// dir_add, dir_remove, dir_readdir) for entry semantics, and on the
// teacher's fs/fs.go namei-style walk (biscuit/src/fs/fs.go fs_namei) for the
// component-by-component resolver, itself modeled on the classic xv6
// namex/skipelem split named in SPEC_FULL.md.
package directory

import (
	"encoding/binary"

	"kcore/internal/blockdev"
)

// NameMax is the longest a single path component may be.
const NameMax = 14

// entrySize is the fixed wire size of one directory entry: a uint32 inode
// sector, a 15-byte name field (NameMax plus a NUL terminator), and a
// one-byte in-use flag.
const entrySize = 4 + 15 + 1

const (
	offInode  = 0
	offName   = 4
	offInUse  = 4 + 15
	nameField = 15
)

// entry is the decoded form of one directory slot.
type entry struct {
	inode blockdev.SectorNum
	name  string
	inUse bool
}

func unmarshalEntry(buf []byte) entry {
	var e entry
	e.inode = blockdev.SectorNum(binary.LittleEndian.Uint32(buf[offInode:]))
	e.inUse = buf[offInUse] != 0
	n := buf[offName : offName+nameField]
	end := 0
	for end < len(n) && n[end] != 0 {
		end++
	}
	e.name = string(n[:end])
	return e
}

func marshalEntry(e entry) [entrySize]byte {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint32(buf[offInode:], uint32(e.inode))
	copy(buf[offName:offName+nameField], e.name)
	if e.inUse {
		buf[offInUse] = 1
	}
	return buf
}
