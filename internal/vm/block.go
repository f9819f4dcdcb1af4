package vm

// block.go emulates a sector-addressed block device backed by a host file.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/freddiehaddad/ferrous/internal/log"
)

// SectorSize is the block device's transfer unit.
const SectorSize = 512

// Block device register offsets. The guest exchanges data through a sector-sized window of
// word registers starting at BlockBufferOffset.
const (
	BlockStatus       uint32 = 0x00
	BlockCommand      uint32 = 0x04
	BlockSector       uint32 = 0x08
	BlockBufferOffset uint32 = 0x100
)

// Block device commands.
const (
	BlockCmdRead  uint32 = 1
	BlockCmdWrite uint32 = 2
)

// ErrBlockDevice wraps host I/O failures of the block device.
var ErrBlockDevice = errors.New("block device")

// BlockDevice is a simple programmed-I/O disk. Command 1 fills the internal buffer from
// sector*512 of the backing file; command 2 writes the buffer back. The backing file is
// never truncated.
type BlockDevice struct {
	file   *os.File
	sector uint32
	buf    [SectorSize]byte

	log *log.Logger
}

// OpenBlockDevice opens (or creates) the backing image read-write.
func OpenBlockDevice(path string) (*BlockDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockDevice, err)
	}

	return &BlockDevice{
		file: file,
		log:  log.DefaultLogger(),
	}, nil
}

func (d *BlockDevice) Name() string { return "blk0" }

// Close releases the backing file.
func (d *BlockDevice) Close() error {
	return d.file.Close()
}

// ReadReg reads a register or a word of the sector buffer.
func (d *BlockDevice) ReadReg(offset uint32) (uint32, error) {
	if offset >= BlockBufferOffset && offset < BlockBufferOffset+SectorSize {
		idx := offset - BlockBufferOffset
		if idx+4 > SectorSize {
			return 0, fmt.Errorf("%w: bad buffer offset %#x", ErrBlockDevice, offset)
		}

		return binary.LittleEndian.Uint32(d.buf[idx:]), nil
	}

	switch offset {
	case BlockStatus:
		return 0, nil // Transfers are synchronous; the device is always ready.
	case BlockSector:
		return d.sector, nil
	default:
		return 0, nil
	}
}

// WriteReg writes a register or a word of the sector buffer.
func (d *BlockDevice) WriteReg(offset uint32, val uint32) error {
	if offset >= BlockBufferOffset && offset < BlockBufferOffset+SectorSize {
		idx := offset - BlockBufferOffset
		if idx+4 > SectorSize {
			return fmt.Errorf("%w: bad buffer offset %#x", ErrBlockDevice, offset)
		}

		binary.LittleEndian.PutUint32(d.buf[idx:], val)

		return nil
	}

	switch offset {
	case BlockSector:
		d.sector = val
		return nil

	case BlockCommand:
		switch val {
		case BlockCmdRead:
			return d.readSector()
		case BlockCmdWrite:
			return d.writeSector()
		default:
			return nil
		}

	default:
		return nil
	}
}

func (d *BlockDevice) readSector() error {
	pos := int64(d.sector) * SectorSize

	if _, err := d.file.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %w", ErrBlockDevice, err)
	}

	// A short read past the end of the image leaves the tail of the buffer as-is, matching
	// a disk that is smaller than the addressed sector.
	if _, err := io.ReadFull(d.file, d.buf[:]); err != nil &&
		!errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: read: %w", ErrBlockDevice, err)
	}

	return nil
}

func (d *BlockDevice) writeSector() error {
	pos := int64(d.sector) * SectorSize

	if _, err := d.file.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %w", ErrBlockDevice, err)
	}

	if _, err := d.file.Write(d.buf[:]); err != nil {
		return fmt.Errorf("%w: write: %w", ErrBlockDevice, err)
	}

	return nil
}

func (d *BlockDevice) Tick() {}
