package kernel

// fs.go reads FerrousFS volumes through the block device.

import (
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/ffs"
	"github.com/freddiehaddad/ferrous/internal/log"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

// File-system errors.
var (
	ErrMount    = errors.New("fs: mount")
	ErrNoInode  = errors.New("fs: no such inode")
	ErrNotFound = errors.New("fs: not found")
	ErrFileSize = errors.New("fs: file too large")
)

// FileSystem is a mounted FerrousFS volume. It is read-mostly: the kernel reads inodes and
// file data; writes happen through mkfs on the host side.
type FileSystem struct {
	superblock ffs.SuperBlock

	log *log.Logger
}

// Mount reads sector 0 and validates the superblock. A failed mount leaves the kernel
// running, but open and exec will fail.
func Mount(mem vm.Memory) (*FileSystem, error) {
	buf := make([]byte, ffs.BlockSize)

	if err := readSector(mem, 0, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMount, err)
	}

	sb, err := ffs.DecodeSuperBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMount, err)
	}

	fs := &FileSystem{
		superblock: sb,
		log:        log.DefaultLogger(),
	}

	fs.log.Debug("mounted volume",
		"blocks", sb.TotalBlocks,
		"inodes", sb.TotalInodes,
	)

	return fs, nil
}

// SuperBlock returns the mounted superblock.
func (fs *FileSystem) SuperBlock() ffs.SuperBlock { return fs.superblock }

// ReadInode loads inode i from the inode table.
func (fs *FileSystem) ReadInode(mem vm.Memory, i uint32) (ffs.Inode, error) {
	if i >= fs.superblock.TotalInodes {
		return ffs.Inode{}, fmt.Errorf("%w: %d", ErrNoInode, i)
	}

	block := fs.superblock.InodeTableBlock + i/ffs.InodesPerBlock
	index := i % ffs.InodesPerBlock

	buf := make([]byte, ffs.BlockSize)
	if err := readSector(mem, block, buf); err != nil {
		return ffs.Inode{}, err
	}

	return ffs.DecodeInode(buf[index*ffs.InodeSize:])
}

// FindInode resolves a name in the flat root directory to an inode ID. The special name
// "/" resolves to the root directory itself.
func (fs *FileSystem) FindInode(mem vm.Memory, name string) (uint32, error) {
	if name == "/" {
		return ffs.RootInode, nil
	}

	root, err := fs.ReadInode(mem, ffs.RootInode)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, ffs.BlockSize)

	for _, blockID := range root.Direct {
		if blockID == 0 {
			continue
		}

		if err := readSector(mem, blockID, buf); err != nil {
			return 0, err
		}

		for i := 0; i < ffs.DirEntriesPerBlk; i++ {
			entry := ffs.DecodeDirEntry(buf[i*ffs.DirEntrySize:])
			if entry.Name[0] == 0 {
				continue
			}

			if entry.NameString() == name {
				return entry.InodeID, nil
			}
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// blockForIndex resolves a logical block index within an inode to a physical block ID,
// following the indirect block when needed. A zero result denotes a sparse block.
func (fs *FileSystem) blockForIndex(mem vm.Memory, ino *ffs.Inode, b uint32) (uint32, error) {
	if b < ffs.DirectPointers {
		return ino.Direct[b], nil
	}

	if b >= ffs.DirectPointers+ffs.IndirectPointers {
		return 0, fmt.Errorf("%w: block index %d", ErrFileSize, b)
	}

	if ino.Indirect == 0 {
		return 0, nil
	}

	buf := make([]byte, ffs.BlockSize)
	if err := readSector(mem, ino.Indirect, buf); err != nil {
		return 0, err
	}

	idx := (b - ffs.DirectPointers) * 4

	return uint32(buf[idx]) | uint32(buf[idx+1])<<8 | uint32(buf[idx+2])<<16 |
		uint32(buf[idx+3])<<24, nil
}

// ReadData copies file contents starting at offset into buf and returns the number of
// bytes produced: min(len(buf), size-offset). Sparse blocks fill their span with zeros
// without touching the disk.
func (fs *FileSystem) ReadData(mem vm.Memory, ino *ffs.Inode, offset uint32, buf []byte) (int, error) {
	if offset >= ino.Size {
		return 0, nil
	}

	total := uint32(len(buf))
	if remaining := ino.Size - offset; total > remaining {
		total = remaining
	}

	sector := make([]byte, ffs.BlockSize)

	var produced uint32

	for produced < total {
		cur := offset + produced
		b := cur / ffs.BlockSize
		inBlock := cur % ffs.BlockSize

		span := ffs.BlockSize - inBlock
		if span > total-produced {
			span = total - produced
		}

		blockID, err := fs.blockForIndex(mem, ino, b)
		if err != nil {
			return int(produced), err
		}

		dst := buf[produced : produced+span]

		if blockID == 0 {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			if err := readSector(mem, blockID, sector); err != nil {
				return int(produced), err
			}

			copy(dst, sector[inBlock:inBlock+span])
		}

		produced += span
	}

	return int(produced), nil
}
