package vm

// bus.go contains the machine's memory bus: a flat RAM span plus memory-mapped devices.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/log"
)

// Memory is the bus access contract shared by the interpreter, the MMU and the kernel.
// Device reads may have side effects, so even ReadByte and ReadWord take the receiver
// exclusively for the duration of the call.
type Memory interface {
	ReadByte(addr PhysAddr) (uint8, error)
	WriteByte(addr PhysAddr, val uint8) error
	ReadWord(addr PhysAddr) (uint32, error)
	WriteWord(addr PhysAddr, val uint32) error
}

var (
	// ErrBus is the base error for bus access failures.
	ErrBus = errors.New("bus error")

	// ErrNoDevice is returned when an address below RAM maps to no device range.
	ErrNoDevice = fmt.Errorf("%w: no device", ErrBus)

	// ErrMisaligned is returned for byte-granular writes into device space.
	ErrMisaligned = fmt.Errorf("%w: misaligned device access", ErrBus)
)

// BusError carries the faulting physical address.
type BusError struct {
	Addr PhysAddr
	Err  error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Addr)
}

func (e *BusError) Unwrap() error { return e.Err }

// RAM is the contiguous span of guest physical memory starting at [RAMBase].
type RAM struct {
	base uint32
	data []byte
}

// NewRAM allocates size bytes of zeroed guest RAM.
func NewRAM(size int) *RAM {
	return &RAM{base: RAMBase, data: make([]byte, size)}
}

// Size returns the RAM span in bytes.
func (r *RAM) Size() int { return len(r.data) }

func (r *RAM) offset(addr PhysAddr, span int) (int, error) {
	off := int(uint32(addr) - r.base)
	if uint32(addr) < r.base || off+span > len(r.data) {
		return 0, &BusError{Addr: addr, Err: ErrBus}
	}

	return off, nil
}

// ReadByte loads one byte of RAM.
func (r *RAM) ReadByte(addr PhysAddr) (uint8, error) {
	off, err := r.offset(addr, 1)
	if err != nil {
		return 0, err
	}

	return r.data[off], nil
}

// WriteByte stores one byte of RAM.
func (r *RAM) WriteByte(addr PhysAddr, val uint8) error {
	off, err := r.offset(addr, 1)
	if err != nil {
		return err
	}

	r.data[off] = val

	return nil
}

// ReadWord loads a little-endian 32-bit word.
func (r *RAM) ReadWord(addr PhysAddr) (uint32, error) {
	off, err := r.offset(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

// WriteWord stores a little-endian 32-bit word.
func (r *RAM) WriteWord(addr PhysAddr, val uint32) error {
	off, err := r.offset(addr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(r.data[off:], val)

	return nil
}

// Load copies data into RAM starting at addr.
func (r *RAM) Load(addr PhysAddr, data []byte) error {
	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}

	copy(r.data[off:], data)

	return nil
}

type mappedDevice struct {
	base uint32
	size uint32
	dev  Device
}

// SystemBus routes physical accesses to RAM or to the device whose range contains the
// address. RAM accesses are byte-granular; device accesses are word registers, so byte reads
// extract from the containing word and byte writes must be word-aligned.
type SystemBus struct {
	ram  *RAM
	devs []mappedDevice

	log *log.Logger
}

// NewSystemBus creates a bus with the given amount of RAM and no devices.
func NewSystemBus(memSize int) *SystemBus {
	return &SystemBus{
		ram: NewRAM(memSize),
		log: log.DefaultLogger(),
	}
}

// RAM exposes the backing RAM, used by loaders that bypass translation.
func (b *SystemBus) RAM() *RAM { return b.ram }

// Map registers a device over the physical range [base, base+size).
func (b *SystemBus) Map(base, size uint32, dev Device) {
	b.log.Debug("mapped device", "name", dev.Name(), "base", PhysAddr(base).String(), "size", size)
	b.devs = append(b.devs, mappedDevice{base: base, size: size, dev: dev})
}

// Tick gives every device a chance to make progress. The interpreter calls it once per step.
func (b *SystemBus) Tick() {
	for _, md := range b.devs {
		md.dev.Tick()
	}
}

func (b *SystemBus) device(addr PhysAddr) (Device, uint32, error) {
	for _, md := range b.devs {
		if uint32(addr) >= md.base && uint32(addr) < md.base+md.size {
			return md.dev, uint32(addr) - md.base, nil
		}
	}

	return nil, 0, &BusError{Addr: addr, Err: ErrNoDevice}
}

// ReadByte reads RAM directly or extracts a byte from the containing device word.
func (b *SystemBus) ReadByte(addr PhysAddr) (uint8, error) {
	if uint32(addr) >= RAMBase {
		return b.ram.ReadByte(addr)
	}

	dev, off, err := b.device(addr)
	if err != nil {
		return 0, err
	}

	word, err := dev.ReadReg(off &^ 3)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", dev.Name(), err)
	}

	return uint8(word >> ((off % 4) * 8)), nil
}

// WriteByte writes RAM directly. Device space only accepts word-aligned byte writes, which
// store the byte as a word value.
func (b *SystemBus) WriteByte(addr PhysAddr, val uint8) error {
	if uint32(addr) >= RAMBase {
		return b.ram.WriteByte(addr, val)
	}

	if uint32(addr)%4 != 0 {
		return &BusError{Addr: addr, Err: ErrMisaligned}
	}

	dev, off, err := b.device(addr)
	if err != nil {
		return err
	}

	if err := dev.WriteReg(off, uint32(val)); err != nil {
		return fmt.Errorf("%s: %w", dev.Name(), err)
	}

	return nil
}

// ReadWord reads a word from RAM or a device register.
func (b *SystemBus) ReadWord(addr PhysAddr) (uint32, error) {
	if uint32(addr) >= RAMBase {
		return b.ram.ReadWord(addr)
	}

	dev, off, err := b.device(addr)
	if err != nil {
		return 0, err
	}

	word, err := dev.ReadReg(off)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", dev.Name(), err)
	}

	return word, nil
}

// WriteWord writes a word to RAM or a device register.
func (b *SystemBus) WriteWord(addr PhysAddr, val uint32) error {
	if uint32(addr) >= RAMBase {
		return b.ram.WriteWord(addr, val)
	}

	dev, off, err := b.device(addr)
	if err != nil {
		return err
	}

	if err := dev.WriteReg(off, val); err != nil {
		return fmt.Errorf("%s: %w", dev.Name(), err)
	}

	return nil
}
