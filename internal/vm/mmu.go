package vm

// mmu.go walks the two-level SV32 page table in guest RAM.

// Page-table entry flag bits.
const (
	PTEValid  uint32 = 1 << 0
	PTERead   uint32 = 1 << 1
	PTEWrite  uint32 = 1 << 2
	PTEExec   uint32 = 1 << 3
	PTEUser   uint32 = 1 << 4
	PTEGlobal uint32 = 1 << 5
	PTEAccess uint32 = 1 << 6
	PTEDirty  uint32 = 1 << 7
)

// AccessType classifies a memory access for permission checking.
type AccessType uint8

// Access types.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "access"
	}
}

// pageFault maps an access type onto its page-fault cause for addr.
func pageFault(access AccessType, addr VirtAddr) *Trap {
	var cause Cause

	switch access {
	case AccessWrite:
		cause = StorePageFault
	case AccessExecute:
		cause = InstructionPageFault
	default:
		cause = LoadPageFault
	}

	return &Trap{Cause: cause, Addr: addr}
}

// Translate resolves a virtual address to a physical address under satp and mode.
//
// Translation is skipped entirely in bare mode (satp paging bit clear) and in Machine mode.
// Otherwise the VA splits into vpn1|vpn0|offset and the walk reads the L1 entry; a leaf at
// L1 names a 4 MiB superpage whose low PPN bits must be clear, anything else points at an L0
// table whose entry must be a valid leaf. A bus failure while reading a PTE is reported as a
// load access fault on the original address.
func Translate(addr VirtAddr, access AccessType, satp uint32, mode PrivilegeMode, mem Memory) (PhysAddr, *Trap) {
	if satp&SATPModeSV32 == 0 || mode == ModeMachine {
		return PhysAddr(addr), nil
	}

	rootPPN := satp & SATPPPNMask
	vpn1 := (uint32(addr) >> 22) & 0x3ff
	vpn0 := (uint32(addr) >> 12) & 0x3ff
	offset := uint32(addr) & 0xfff

	pte1, err := mem.ReadWord(PhysAddr(rootPPN<<12 + vpn1*4))
	if err != nil {
		return 0, &Trap{Cause: LoadAccessFault, Addr: addr}
	}

	if pte1&PTEValid == 0 {
		return 0, pageFault(access, addr)
	}

	if pte1&(PTERead|PTEWrite|PTEExec) != 0 {
		// Leaf at level 1: a superpage. Its low PPN bits must be zero.
		if (pte1>>10)&0x3ff != 0 {
			return 0, pageFault(access, addr)
		}

		if trap := checkPermissions(pte1, access, mode, addr); trap != nil {
			return 0, trap
		}

		ppn1 := (pte1 >> 20) & 0xfff

		return PhysAddr(ppn1<<22 | vpn0<<12 | offset), nil
	}

	l0PPN := (pte1 >> 10) & SATPPPNMask

	pte0, err := mem.ReadWord(PhysAddr(l0PPN<<12 + vpn0*4))
	if err != nil {
		return 0, &Trap{Cause: LoadAccessFault, Addr: addr}
	}

	if pte0&PTEValid == 0 || pte0&(PTERead|PTEWrite|PTEExec) == 0 {
		return 0, pageFault(access, addr)
	}

	if trap := checkPermissions(pte0, access, mode, addr); trap != nil {
		return 0, trap
	}

	ppn := (pte0 >> 10) & SATPPPNMask

	return PhysAddr(ppn<<12 | offset), nil
}

// checkPermissions applies the privilege and access-type rules to a leaf PTE. User mode
// requires U set; Supervisor requires it clear. Reads are also satisfied by an executable
// page (MXR-style permissive read).
func checkPermissions(pte uint32, access AccessType, mode PrivilegeMode, addr VirtAddr) *Trap {
	switch mode {
	case ModeUser:
		if pte&PTEUser == 0 {
			return pageFault(access, addr)
		}
	case ModeSupervisor:
		if pte&PTEUser != 0 {
			return pageFault(access, addr)
		}
	case ModeMachine:
	}

	var ok bool

	switch access {
	case AccessRead:
		ok = pte&PTERead != 0 || pte&PTEExec != 0
	case AccessWrite:
		ok = pte&PTEWrite != 0
	case AccessExecute:
		ok = pte&PTEExec != 0
	}

	if !ok {
		return pageFault(access, addr)
	}

	return nil
}
