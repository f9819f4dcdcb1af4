package vm

import (
	"errors"
	"testing"
)

// scratchDevice is a word-addressed register file for bus routing tests.
type scratchDevice struct {
	regs  map[uint32]uint32
	ticks int
}

func newScratchDevice() *scratchDevice {
	return &scratchDevice{regs: make(map[uint32]uint32)}
}

func (d *scratchDevice) Name() string { return "scratch" }

func (d *scratchDevice) ReadReg(offset uint32) (uint32, error) {
	return d.regs[offset], nil
}

func (d *scratchDevice) WriteReg(offset uint32, val uint32) error {
	d.regs[offset] = val
	return nil
}

func (d *scratchDevice) Tick() { d.ticks++ }

func TestRAM(tt *testing.T) {
	tt.Parallel()

	tt.Run("byte-and-word", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)

		if err := bus.WriteWord(PhysAddr(RAMBase), 0xdead_beef); err != nil {
			t.Fatalf("write word: %v", err)
		}

		// Little-endian byte order.
		b, err := bus.ReadByte(PhysAddr(RAMBase))
		if err != nil || b != 0xef {
			t.Errorf("byte 0: want 0xef, got %#x (%v)", b, err)
		}

		b, err = bus.ReadByte(PhysAddr(RAMBase + 3))
		if err != nil || b != 0xde {
			t.Errorf("byte 3: want 0xde, got %#x (%v)", b, err)
		}

		if err := bus.WriteByte(PhysAddr(RAMBase+1), 0x00); err != nil {
			t.Fatalf("write byte: %v", err)
		}

		w, err := bus.ReadWord(PhysAddr(RAMBase))
		if err != nil || w != 0xdead_00ef {
			t.Errorf("word: want 0xdead00ef, got %#x (%v)", w, err)
		}
	})

	tt.Run("out-of-bounds", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)

		if _, err := bus.ReadByte(PhysAddr(RAMBase + 4096)); !errors.Is(err, ErrBus) {
			t.Errorf("read past RAM: want ErrBus, got %v", err)
		}

		// A word straddling the end of RAM fails too.
		if _, err := bus.ReadWord(PhysAddr(RAMBase + 4094)); !errors.Is(err, ErrBus) {
			t.Errorf("straddling word: want ErrBus, got %v", err)
		}
	})
}

func TestBusRouting(tt *testing.T) {
	tt.Parallel()

	tt.Run("device-window", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)
		dev := newScratchDevice()
		bus.Map(UARTBase, DeviceSize, dev)

		if err := bus.WriteWord(PhysAddr(UARTBase+8), 0x1234_5678); err != nil {
			t.Fatalf("device write: %v", err)
		}

		w, err := bus.ReadWord(PhysAddr(UARTBase + 8))
		if err != nil || w != 0x1234_5678 {
			t.Errorf("device read: want 0x12345678, got %#x (%v)", w, err)
		}

		// Byte reads extract from the containing word.
		b, err := bus.ReadByte(PhysAddr(UARTBase + 9))
		if err != nil || b != 0x56 {
			t.Errorf("device byte: want 0x56, got %#x (%v)", b, err)
		}
	})

	tt.Run("misaligned-device-byte-write", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)
		bus.Map(UARTBase, DeviceSize, newScratchDevice())

		if err := bus.WriteByte(PhysAddr(UARTBase+1), 0xff); !errors.Is(err, ErrMisaligned) {
			t.Errorf("want ErrMisaligned, got %v", err)
		}
	})

	tt.Run("no-device", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)

		if _, err := bus.ReadWord(PhysAddr(0x4000_0000)); !errors.Is(err, ErrNoDevice) {
			t.Errorf("want ErrNoDevice, got %v", err)
		}
	})

	tt.Run("tick-fans-out", func(t *testing.T) {
		t.Parallel()

		bus := NewSystemBus(4096)
		dev := newScratchDevice()
		bus.Map(UARTBase, DeviceSize, dev)

		bus.Tick()
		bus.Tick()

		if dev.ticks != 2 {
			t.Errorf("ticks: want 2, got %d", dev.ticks)
		}
	})
}
