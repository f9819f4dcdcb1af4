// Package ffs defines the FerrousFS on-disk format: a flat, inode-based file system with
// 512-byte blocks, twelve direct block pointers per inode and one indirect block.
//
// Layout:
//
//	sector 0      superblock
//	sector 1      inode bitmap
//	sector 2      data-block bitmap
//	sectors 3..   inode table
//	remainder     data blocks
//
// All on-disk integers are little-endian.
package ffs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format constants.
const (
	Magic     uint32 = 0xf3aa_c0de
	BlockSize        = 512

	DirectPointers   = 12
	IndirectPointers = BlockSize / 4 // Block IDs held by one indirect block.

	InodeSize      = 64
	InodesPerBlock = BlockSize / InodeSize

	DirEntrySize     = 32
	DirEntryNameLen  = 28
	DirEntriesPerBlk = BlockSize / DirEntrySize

	// RootInode is the inode ID of the flat root directory.
	RootInode uint32 = 0
)

// ErrFormat is returned for malformed on-disk structures.
var ErrFormat = errors.New("ffs: bad format")

// FileType distinguishes inode kinds.
type FileType uint8

// Inode types.
const (
	TypeFile      FileType = 1
	TypeDirectory FileType = 2
)

// SuperBlock is the file-system header stored in sector 0.
type SuperBlock struct {
	Magic            uint32
	TotalBlocks      uint32
	InodeBitmapBlock uint32
	DataBitmapBlock  uint32
	InodeTableBlock  uint32
	DataBlocksStart  uint32
	TotalInodes      uint32
	FreeInodes       uint32
	FreeBlocks       uint32
}

// EncodeSuperBlock writes the superblock into the first bytes of a sector buffer.
func EncodeSuperBlock(sb *SuperBlock, buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], sb.Magic)
	le.PutUint32(buf[4:], sb.TotalBlocks)
	le.PutUint32(buf[8:], sb.InodeBitmapBlock)
	le.PutUint32(buf[12:], sb.DataBitmapBlock)
	le.PutUint32(buf[16:], sb.InodeTableBlock)
	le.PutUint32(buf[20:], sb.DataBlocksStart)
	le.PutUint32(buf[24:], sb.TotalInodes)
	le.PutUint32(buf[28:], sb.FreeInodes)
	le.PutUint32(buf[32:], sb.FreeBlocks)
}

// DecodeSuperBlock parses a superblock and validates the magic number.
func DecodeSuperBlock(buf []byte) (SuperBlock, error) {
	if len(buf) < 36 {
		return SuperBlock{}, fmt.Errorf("%w: short superblock", ErrFormat)
	}

	le := binary.LittleEndian
	sb := SuperBlock{
		Magic:            le.Uint32(buf[0:]),
		TotalBlocks:      le.Uint32(buf[4:]),
		InodeBitmapBlock: le.Uint32(buf[8:]),
		DataBitmapBlock:  le.Uint32(buf[12:]),
		InodeTableBlock:  le.Uint32(buf[16:]),
		DataBlocksStart:  le.Uint32(buf[20:]),
		TotalInodes:      le.Uint32(buf[24:]),
		FreeInodes:       le.Uint32(buf[28:]),
		FreeBlocks:       le.Uint32(buf[32:]),
	}

	if sb.Magic != Magic {
		return SuperBlock{}, fmt.Errorf("%w: magic %#08x", ErrFormat, sb.Magic)
	}

	return sb, nil
}

// Inode is file metadata plus its block pointers. A pointer value of zero denotes a sparse
// block that reads as zeros.
type Inode struct {
	ID       uint32
	Type     FileType
	Size     uint32
	Direct   [DirectPointers]uint32
	Indirect uint32
}

// EncodeInode packs an inode into InodeSize bytes at buf.
func EncodeInode(ino *Inode, buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], ino.ID)
	buf[4] = uint8(ino.Type)
	buf[5], buf[6], buf[7] = 0, 0, 0
	le.PutUint32(buf[8:], ino.Size)

	for i, ptr := range ino.Direct {
		le.PutUint32(buf[12+i*4:], ptr)
	}

	le.PutUint32(buf[60:], ino.Indirect)
}

// DecodeInode unpacks an inode from InodeSize bytes at buf.
func DecodeInode(buf []byte) (Inode, error) {
	if len(buf) < InodeSize {
		return Inode{}, fmt.Errorf("%w: short inode", ErrFormat)
	}

	le := binary.LittleEndian
	ino := Inode{
		ID:       le.Uint32(buf[0:]),
		Type:     FileType(buf[4]),
		Size:     le.Uint32(buf[8:]),
		Indirect: le.Uint32(buf[60:]),
	}

	for i := range ino.Direct {
		ino.Direct[i] = le.Uint32(buf[12+i*4:])
	}

	return ino, nil
}

// DirEntry is one 32-byte root-directory record: an inode ID and a NUL-padded name.
type DirEntry struct {
	InodeID uint32
	Name    [DirEntryNameLen]byte
}

// NewDirEntry builds an entry, truncating the name to the on-disk limit.
func NewDirEntry(inodeID uint32, name string) DirEntry {
	e := DirEntry{InodeID: inodeID}
	copy(e.Name[:], name)

	return e
}

// NameString returns the entry name up to the first NUL.
func (e *DirEntry) NameString() string {
	for i, c := range e.Name {
		if c == 0 {
			return string(e.Name[:i])
		}
	}

	return string(e.Name[:])
}

// EncodeDirEntry packs an entry into DirEntrySize bytes at buf.
func EncodeDirEntry(e *DirEntry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], e.InodeID)
	copy(buf[4:DirEntrySize], e.Name[:])
}

// DecodeDirEntry unpacks an entry from DirEntrySize bytes at buf.
func DecodeDirEntry(buf []byte) DirEntry {
	var e DirEntry
	e.InodeID = binary.LittleEndian.Uint32(buf[0:])
	copy(e.Name[:], buf[4:DirEntrySize])

	return e
}
