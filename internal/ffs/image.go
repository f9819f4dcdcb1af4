package ffs

// image.go builds FerrousFS disk images in memory. It backs the mkfs command and the test
// suites that need formatted disks.

import (
	"fmt"
)

// Image is an in-memory disk image being formatted.
type Image struct {
	blocks []byte
	sb     SuperBlock

	nextInode uint32
	nextBlock uint32

	rootEntries int
}

// NewImage formats an empty FerrousFS image with the given geometry. The image holds
// totalBlocks sectors; the inode table is sized for totalInodes.
func NewImage(totalBlocks, totalInodes uint32) (*Image, error) {
	inodeTableBlocks := (totalInodes + InodesPerBlock - 1) / InodesPerBlock
	dataStart := 3 + inodeTableBlocks

	if totalBlocks <= dataStart {
		return nil, fmt.Errorf("%w: %d blocks is too small", ErrFormat, totalBlocks)
	}

	img := &Image{
		blocks: make([]byte, int(totalBlocks)*BlockSize),
		sb: SuperBlock{
			Magic:            Magic,
			TotalBlocks:      totalBlocks,
			InodeBitmapBlock: 1,
			DataBitmapBlock:  2,
			InodeTableBlock:  3,
			DataBlocksStart:  dataStart,
			TotalInodes:      totalInodes,
			FreeInodes:       totalInodes - 1, // Root is taken.
			FreeBlocks:       totalBlocks - dataStart,
		},
		nextInode: 1,
		nextBlock: dataStart,
	}

	// Root directory, inode 0.
	root := Inode{ID: RootInode, Type: TypeDirectory}
	img.writeInode(&root)
	img.setBitmapBit(img.sb.InodeBitmapBlock, 0)

	return img, nil
}

// SuperBlock returns the current superblock state.
func (img *Image) SuperBlock() SuperBlock { return img.sb }

func (img *Image) sector(id uint32) []byte {
	return img.blocks[int(id)*BlockSize : int(id+1)*BlockSize]
}

func (img *Image) setBitmapBit(block, bit uint32) {
	img.sector(block)[bit/8] |= 1 << (bit % 8)
}

func (img *Image) allocBlock() (uint32, error) {
	if img.nextBlock >= img.sb.TotalBlocks {
		return 0, fmt.Errorf("%w: out of data blocks", ErrFormat)
	}

	id := img.nextBlock
	img.nextBlock++
	img.sb.FreeBlocks--
	img.setBitmapBit(img.sb.DataBitmapBlock, id-img.sb.DataBlocksStart)

	return id, nil
}

func (img *Image) writeInode(ino *Inode) {
	block := img.sb.InodeTableBlock + ino.ID/InodesPerBlock
	index := ino.ID % InodesPerBlock
	EncodeInode(ino, img.sector(block)[index*InodeSize:])
}

func (img *Image) readInode(id uint32) (Inode, error) {
	block := img.sb.InodeTableBlock + id/InodesPerBlock
	index := id % InodesPerBlock

	return DecodeInode(img.sector(block)[index*InodeSize:])
}

// AddFile stores data as a root-directory file named name. Files larger than the direct
// pointers spill into a single indirect block; anything beyond that is rejected.
func (img *Image) AddFile(name string, data []byte) error {
	if img.nextInode >= img.sb.TotalInodes {
		return fmt.Errorf("%w: out of inodes", ErrFormat)
	}

	if len(name) > DirEntryNameLen {
		return fmt.Errorf("%w: name %q too long", ErrFormat, name)
	}

	maxSize := (DirectPointers + IndirectPointers) * BlockSize
	if len(data) > maxSize {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrFormat, name, maxSize)
	}

	ino := Inode{
		ID:   img.nextInode,
		Type: TypeFile,
		Size: uint32(len(data)),
	}
	img.nextInode++
	img.sb.FreeInodes--
	img.setBitmapBit(img.sb.InodeBitmapBlock, ino.ID)

	nblocks := (len(data) + BlockSize - 1) / BlockSize

	var indirect []byte

	for b := 0; b < nblocks; b++ {
		id, err := img.allocBlock()
		if err != nil {
			return err
		}

		start := b * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}

		copy(img.sector(id), data[start:end])

		if b < DirectPointers {
			ino.Direct[b] = id
			continue
		}

		if indirect == nil {
			iid, err := img.allocBlock()
			if err != nil {
				return err
			}

			ino.Indirect = iid
			indirect = img.sector(iid)
		}

		idx := b - DirectPointers
		indirect[idx*4] = byte(id)
		indirect[idx*4+1] = byte(id >> 8)
		indirect[idx*4+2] = byte(id >> 16)
		indirect[idx*4+3] = byte(id >> 24)
	}

	img.writeInode(&ino)

	return img.addRootEntry(ino.ID, name)
}

func (img *Image) addRootEntry(inodeID uint32, name string) error {
	root, err := img.readInode(RootInode)
	if err != nil {
		return err
	}

	blockIdx := img.rootEntries / DirEntriesPerBlk
	if blockIdx >= DirectPointers {
		return fmt.Errorf("%w: root directory full", ErrFormat)
	}

	if root.Direct[blockIdx] == 0 {
		id, err := img.allocBlock()
		if err != nil {
			return err
		}

		root.Direct[blockIdx] = id
	}

	entry := NewDirEntry(inodeID, name)
	offset := (img.rootEntries % DirEntriesPerBlk) * DirEntrySize
	EncodeDirEntry(&entry, img.sector(root.Direct[blockIdx])[offset:])

	img.rootEntries++
	root.Size = uint32(img.rootEntries) * DirEntrySize
	img.writeInode(&root)

	return nil
}

// Bytes finalizes the image: the superblock is re-encoded with current free counts and the
// raw sectors are returned.
func (img *Image) Bytes() []byte {
	EncodeSuperBlock(&img.sb, img.sector(0))
	return img.blocks
}
