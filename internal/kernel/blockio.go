package kernel

// blockio.go drives the block device through its MMIO registers.

import (
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/ffs"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

// ErrBlockIO wraps sector transfer failures.
var ErrBlockIO = errors.New("block io")

// readSector fills buf with sector's contents: program the sector register, issue the read
// command, then copy the device's sector window.
func readSector(mem vm.Memory, sector uint32, buf []byte) error {
	if len(buf) != ffs.BlockSize {
		return fmt.Errorf("%w: buffer must be %d bytes", ErrBlockIO, ffs.BlockSize)
	}

	if err := mem.WriteWord(vm.PhysAddr(vm.BlockBase+vm.BlockSector), sector); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockIO, err)
	}

	if err := mem.WriteWord(vm.PhysAddr(vm.BlockBase+vm.BlockCommand), vm.BlockCmdRead); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockIO, err)
	}

	for i := 0; i < ffs.BlockSize; i += 4 {
		word, err := mem.ReadWord(vm.PhysAddr(vm.BlockBase + vm.BlockBufferOffset + uint32(i)))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlockIO, err)
		}

		buf[i] = byte(word)
		buf[i+1] = byte(word >> 8)
		buf[i+2] = byte(word >> 16)
		buf[i+3] = byte(word >> 24)
	}

	return nil
}

// writeSector stores buf into sector: fill the device window, program the sector register,
// issue the write command.
func writeSector(mem vm.Memory, sector uint32, buf []byte) error {
	if len(buf) != ffs.BlockSize {
		return fmt.Errorf("%w: buffer must be %d bytes", ErrBlockIO, ffs.BlockSize)
	}

	for i := 0; i < ffs.BlockSize; i += 4 {
		word := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24

		err := mem.WriteWord(vm.PhysAddr(vm.BlockBase+vm.BlockBufferOffset+uint32(i)), word)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlockIO, err)
		}
	}

	if err := mem.WriteWord(vm.PhysAddr(vm.BlockBase+vm.BlockSector), sector); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockIO, err)
	}

	if err := mem.WriteWord(vm.PhysAddr(vm.BlockBase+vm.BlockCommand), vm.BlockCmdWrite); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockIO, err)
	}

	return nil
}
