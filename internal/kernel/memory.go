package kernel

// memory.go owns physical frames, page-table construction and user-memory copies.

import (
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/vm"
)

// ErrMemory wraps kernel memory-management failures.
var ErrMemory = errors.New("kernel memory")

// frameAllocStart is where the bump allocator begins: the first frame past the region RAM
// reserves for the boot image.
const frameAllocStart = 0x8040_0000

// userStackTop is the virtual address just above the user stack.
const userStackTop = 0xf000_0000

// userStackPages is the fixed stack allocation for a new process.
const userStackPages = 4

// FrameAllocator hands out 4 KiB physical frames with a bump pointer. Frames are never
// freed.
type FrameAllocator struct {
	next uint32
}

// NewFrameAllocator starts allocation at the post-kernel region of RAM.
func NewFrameAllocator() FrameAllocator {
	return FrameAllocator{next: frameAllocStart}
}

// Alloc returns the next page-aligned frame.
func (fa *FrameAllocator) Alloc() uint32 {
	addr := fa.next
	fa.next += vm.PageSize

	return addr
}

// zeroFrame clears one frame of physical memory.
func zeroFrame(mem vm.Memory, pa uint32) error {
	for i := uint32(0); i < vm.PageSize; i += 4 {
		if err := mem.WriteWord(vm.PhysAddr(pa+i), 0); err != nil {
			return fmt.Errorf("%w: zero frame: %w", ErrMemory, err)
		}
	}

	return nil
}

// mapPage installs a leaf PTE for vaddr in the table rooted at rootPPN, lazily allocating
// and zeroing the L0 table. The Valid, Accessed and Dirty bits are always set.
func (k *Kernel) mapPage(mem vm.Memory, rootPPN, vaddr, paddr, flags uint32) error {
	vpn1 := (vaddr >> 22) & 0x3ff
	vpn0 := (vaddr >> 12) & 0x3ff

	l1Addr := vm.PhysAddr(rootPPN<<12 + vpn1*4)

	l1, err := mem.ReadWord(l1Addr)
	if err != nil {
		return fmt.Errorf("%w: read L1 PTE: %w", ErrMemory, err)
	}

	if l1&vm.PTEValid == 0 {
		tablePA := k.frames.Alloc()
		if err := zeroFrame(mem, tablePA); err != nil {
			return err
		}

		l1 = (tablePA>>12)<<10 | vm.PTEValid
		if err := mem.WriteWord(l1Addr, l1); err != nil {
			return fmt.Errorf("%w: write L1 PTE: %w", ErrMemory, err)
		}
	}

	l0PPN := (l1 >> 10) & vm.SATPPPNMask
	l0Addr := vm.PhysAddr(l0PPN<<12 + vpn0*4)
	pte := (paddr>>12)<<10 | flags | vm.PTEValid | vm.PTEAccess | vm.PTEDirty

	if err := mem.WriteWord(l0Addr, pte); err != nil {
		return fmt.Errorf("%w: write L0 PTE: %w", ErrMemory, err)
	}

	return nil
}

// createUserAddressSpace allocates a zeroed root table and identity-maps the device pages
// read-write. User code and data are mapped on demand by the loader and sbrk.
func (k *Kernel) createUserAddressSpace(mem vm.Memory) (uint32, error) {
	rootPA := k.frames.Alloc()
	if err := zeroFrame(mem, rootPA); err != nil {
		return 0, err
	}

	rootPPN := rootPA >> 12

	for _, base := range []uint32{vm.UARTBase, vm.BlockBase, vm.NetBase} {
		if err := k.mapPage(mem, rootPPN, base, base, vm.PTERead|vm.PTEWrite); err != nil {
			return 0, err
		}
	}

	return vm.SATPModeSV32 | rootPPN, nil
}

// walk resolves a user virtual address to a physical address for kernel-side access. It
// checks only that the walk reaches a valid leaf: the kernel copies through user mappings
// regardless of their U/R/W bits.
func walk(mem vm.Memory, satp, vaddr uint32) (uint32, error) {
	if satp&vm.SATPModeSV32 == 0 {
		return vaddr, nil
	}

	rootPPN := satp & vm.SATPPPNMask
	vpn1 := (vaddr >> 22) & 0x3ff
	vpn0 := (vaddr >> 12) & 0x3ff
	offset := vaddr & 0xfff

	l1, err := mem.ReadWord(vm.PhysAddr(rootPPN<<12 + vpn1*4))
	if err != nil {
		return 0, fmt.Errorf("%w: read L1 PTE: %w", ErrMemory, err)
	}

	if l1&vm.PTEValid == 0 {
		return 0, fmt.Errorf("%w: unmapped address %#08x", ErrMemory, vaddr)
	}

	if l1&(vm.PTERead|vm.PTEWrite|vm.PTEExec) != 0 {
		ppn1 := (l1 >> 20) & 0xfff
		return ppn1<<22 | vpn0<<12 | offset, nil
	}

	l0PPN := (l1 >> 10) & vm.SATPPPNMask

	l0, err := mem.ReadWord(vm.PhysAddr(l0PPN<<12 + vpn0*4))
	if err != nil {
		return 0, fmt.Errorf("%w: read L0 PTE: %w", ErrMemory, err)
	}

	if l0&vm.PTEValid == 0 || l0&(vm.PTERead|vm.PTEWrite|vm.PTEExec) == 0 {
		return 0, fmt.Errorf("%w: unmapped address %#08x", ErrMemory, vaddr)
	}

	ppn := (l0 >> 10) & vm.SATPPPNMask

	return ppn<<12 | offset, nil
}

// copyFromUser reads len(dst) bytes from the user address src, translating every byte
// through the page table. Partial progress is not rolled back on failure.
func copyFromUser(mem vm.Memory, satp uint32, src vm.VirtAddr, dst []byte) error {
	for i := range dst {
		pa, err := walk(mem, satp, uint32(src)+uint32(i))
		if err != nil {
			return err
		}

		b, err := mem.ReadByte(vm.PhysAddr(pa))
		if err != nil {
			return fmt.Errorf("%w: user read: %w", ErrMemory, err)
		}

		dst[i] = b
	}

	return nil
}

// copyToUser writes src to the user address dst byte-wise with fresh translation per byte.
func copyToUser(mem vm.Memory, satp uint32, src []byte, dst vm.VirtAddr) error {
	for i, b := range src {
		pa, err := walk(mem, satp, uint32(dst)+uint32(i))
		if err != nil {
			return err
		}

		if err := mem.WriteByte(vm.PhysAddr(pa), b); err != nil {
			return fmt.Errorf("%w: user write: %w", ErrMemory, err)
		}
	}

	return nil
}

// pageAlignUp rounds an address up to the next page boundary.
func pageAlignUp(addr uint32) uint32 {
	return (addr + vm.PageSize - 1) &^ (vm.PageSize - 1)
}

// sbrk moves the current thread's program break by increment and returns the old break.
// Growth maps fresh user read-write pages over the newly spanned range; shrinking only
// lowers the break, leaving the mappings in place.
func (k *Kernel) sbrk(mem vm.Memory, increment int32) (uint32, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		return 0, fmt.Errorf("%w: sbrk without a current thread", ErrMemory)
	}

	oldBreak := tcb.Break
	if increment == 0 {
		return oldBreak, nil
	}

	newBreak := uint32(int64(oldBreak) + int64(increment))

	if increment > 0 {
		rootPPN := tcb.Ctx.SATP & vm.SATPPPNMask

		for page := pageAlignUp(oldBreak); page < pageAlignUp(newBreak); page += vm.PageSize {
			frame := k.frames.Alloc()

			err := k.mapPage(mem, rootPPN, page, frame, vm.PTERead|vm.PTEWrite|vm.PTEUser)
			if err != nil {
				return 0, err
			}
		}
	}

	tcb.Break = newBreak

	return oldBreak, nil
}
