package kernel

import (
	"testing"

	"github.com/freddiehaddad/ferrous/internal/vm"
)

func TestMapPageAndWalk(tt *testing.T) {
	tt.Parallel()

	tt.Run("walk-inverts-map", func(t *testing.T) {
		t.Parallel()

		k := New()
		bus := vm.NewSystemBus(8 << 20)

		satp, err := k.createUserAddressSpace(bus)
		if err != nil {
			t.Fatal(err)
		}

		rootPPN := satp & vm.SATPPPNMask
		frame := k.frames.Alloc()

		if err := k.mapPage(bus, rootPPN, 0x0001_0000, frame, vm.PTERead|vm.PTEWrite|vm.PTEUser); err != nil {
			t.Fatal(err)
		}

		pa, err := walk(bus, satp, 0x0001_0123)
		if err != nil {
			t.Fatal(err)
		}

		if pa != frame+0x123 {
			t.Errorf("walk: want %#x, got %#x", frame+0x123, pa)
		}

		// Unmapped addresses never produce a physical address.
		if _, err := walk(bus, satp, 0x0002_0000); err == nil {
			t.Error("walk of unmapped address succeeded")
		}
	})

	tt.Run("device-pages-premapped", func(t *testing.T) {
		t.Parallel()

		k := New()
		bus := vm.NewSystemBus(8 << 20)

		satp, err := k.createUserAddressSpace(bus)
		if err != nil {
			t.Fatal(err)
		}

		for _, base := range []uint32{vm.UARTBase, vm.BlockBase, vm.NetBase} {
			pa, err := walk(bus, satp, base)
			if err != nil || pa != base {
				t.Errorf("device %#x: pa %#x err %v", base, pa, err)
			}
		}
	})
}

func TestCopyUser(tt *testing.T) {
	tt.Parallel()

	k := New()
	bus := vm.NewSystemBus(8 << 20)

	satp, err := k.createUserAddressSpace(bus)
	if err != nil {
		tt.Fatal(err)
	}

	rootPPN := satp & vm.SATPPPNMask

	// Two adjacent pages backed by non-adjacent frames, to cross a page boundary.
	frameA := k.frames.Alloc()
	_ = k.frames.Alloc() // Hole.
	frameB := k.frames.Alloc()

	if err := k.mapPage(bus, rootPPN, 0x0001_0000, frameA, vm.PTERead|vm.PTEWrite|vm.PTEUser); err != nil {
		tt.Fatal(err)
	}

	if err := k.mapPage(bus, rootPPN, 0x0001_1000, frameB, vm.PTERead|vm.PTEWrite|vm.PTEUser); err != nil {
		tt.Fatal(err)
	}

	msg := []byte("crosses the page boundary")
	base := vm.VirtAddr(0x0001_1000 - 8)

	if err := copyToUser(bus, satp, msg, base); err != nil {
		tt.Fatal(err)
	}

	got := make([]byte, len(msg))
	if err := copyFromUser(bus, satp, base, got); err != nil {
		tt.Fatal(err)
	}

	if string(got) != string(msg) {
		tt.Errorf("roundtrip: %q", got)
	}

	// A fault mid-copy surfaces as an error.
	if err := copyToUser(bus, satp, msg, vm.VirtAddr(0x0001_2000-8)); err == nil {
		tt.Error("copy into unmapped page succeeded")
	}
}

func TestSbrk(tt *testing.T) {
	tt.Parallel()

	newSbrkKernel := func(t *testing.T) (*Kernel, *vm.SystemBus) {
		t.Helper()

		k := New()
		bus := vm.NewSystemBus(8 << 20)

		satp, err := k.createUserAddressSpace(bus)
		if err != nil {
			t.Fatal(err)
		}

		cpu := vm.NewCPU(0x1000)
		cpu.SATP = satp
		tcb := adoptThread(k.threads, cpu)
		tcb.Break = 0x0080_0000

		return k, bus
	}

	tt.Run("grow-maps-pages", func(t *testing.T) {
		t.Parallel()

		k, bus := newSbrkKernel(t)
		tcb := k.threads.Current()

		old, err := k.sbrk(bus, 8192)
		if err != nil {
			t.Fatal(err)
		}

		if old != 0x0080_0000 {
			t.Errorf("old break: %#x", old)
		}

		if tcb.Break != 0x0080_2000 {
			t.Errorf("new break: %#x", tcb.Break)
		}

		// The grown range is mapped and writable through the walk.
		if err := copyToUser(bus, tcb.Ctx.SATP, []byte{1, 2, 3}, vm.VirtAddr(old)); err != nil {
			t.Errorf("grown range unmapped: %v", err)
		}
	})

	tt.Run("zero-increment-reads-break", func(t *testing.T) {
		t.Parallel()

		k, bus := newSbrkKernel(t)

		old, err := k.sbrk(bus, 0)
		if err != nil || old != 0x0080_0000 {
			t.Errorf("sbrk(0): %#x, %v", old, err)
		}
	})

	tt.Run("negative-roundtrip", func(t *testing.T) {
		t.Parallel()

		k, bus := newSbrkKernel(t)

		start, err := k.sbrk(bus, 4096)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := k.sbrk(bus, -4096); err != nil {
			t.Fatal(err)
		}

		// The break round-trips; the decrement left mappings in place.
		got, err := k.sbrk(bus, 0)
		if err != nil || got != start {
			t.Errorf("break after +n/-n: want %#x, got %#x (%v)", start, got, err)
		}

		if err := copyToUser(bus, k.threads.Current().Ctx.SATP, []byte{9}, vm.VirtAddr(start)); err != nil {
			t.Errorf("mapping removed by negative sbrk: %v", err)
		}
	})
}
