package kernel

// proc.go builds user processes: a fresh address space, loaded ELF segments, a stack with
// argument descriptors, and the first thread.

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/vm"
)

// ErrExec wraps process bootstrap failures.
var ErrExec = errors.New("exec")

// segmentFlags is the permission set user pages are mapped with. Segments keep W and X
// together; splitting them per program header is not worth the complexity here.
const segmentFlags = vm.PTERead | vm.PTEWrite | vm.PTEExec | vm.PTEUser

// process is the result of building an address space around an ELF image.
type process struct {
	entry    vm.VirtAddr
	satp     uint32
	stackTop uint32
	argvBase uint32
	argc     uint32
	brk      uint32
}

// buildProcess creates an address space, loads every PT_LOAD segment, maps the stack and
// pushes the argument vector.
func (k *Kernel) buildProcess(mem vm.Memory, image []byte, args [][]byte) (*process, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrExec, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: not a 32-bit little-endian image", ErrExec)
	}

	satp, err := k.createUserAddressSpace(mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExec, err)
	}

	rootPPN := satp & vm.SATPPPNMask

	var maxVaddr uint32

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment file size exceeds memory size", ErrExec)
		}

		vaddr := uint32(prog.Vaddr)
		memsz := uint32(prog.Memsz)

		if end := vaddr + memsz; end > maxVaddr {
			maxVaddr = end
		}

		if err := k.mapRange(mem, satp, rootPPN, vaddr, memsz, segmentFlags); err != nil {
			return nil, err
		}

		data := make([]byte, prog.Filesz)
		if n, err := prog.ReadAt(data, 0); err != nil && n != len(data) {
			return nil, fmt.Errorf("%w: read segment: %w", ErrExec, err)
		}

		// Fresh frames are zeroed, so the memsz tail beyond filesz needs no explicit fill.
		if err := copyToUser(mem, satp, data, vm.VirtAddr(vaddr)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExec, err)
		}
	}

	for i := uint32(0); i < userStackPages; i++ {
		vaddr := userStackTop - (i+1)*vm.PageSize
		frame := k.frames.Alloc()

		err := k.mapPage(mem, rootPPN, vaddr, frame, vm.PTERead|vm.PTEWrite|vm.PTEUser)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExec, err)
		}

		if err := zeroFrame(mem, frame); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExec, err)
		}
	}

	sp, argvBase, err := pushArgs(mem, satp, args)
	if err != nil {
		return nil, err
	}

	return &process{
		entry:    vm.VirtAddr(uint32(f.Entry)),
		satp:     satp,
		stackTop: sp,
		argvBase: argvBase,
		argc:     uint32(len(args)),
		brk:      pageAlignUp(maxVaddr),
	}, nil
}

// mapRange ensures every page covering [vaddr, vaddr+size) is mapped, allocating and
// zeroing frames for pages not yet present.
func (k *Kernel) mapRange(mem vm.Memory, satp, rootPPN, vaddr, size uint32, flags uint32) error {
	if size == 0 {
		return nil
	}

	start := vaddr &^ (vm.PageSize - 1)
	end := pageAlignUp(vaddr + size)

	for page := start; page < end; page += vm.PageSize {
		if _, err := walk(mem, satp, page); err == nil {
			continue // Already mapped, likely by an overlapping segment.
		}

		frame := k.frames.Alloc()

		if err := k.mapPage(mem, rootPPN, page, frame, flags); err != nil {
			return fmt.Errorf("%w: %w", ErrExec, err)
		}

		if err := zeroFrame(mem, frame); err != nil {
			return fmt.Errorf("%w: %w", ErrExec, err)
		}
	}

	return nil
}

// pushArgs lays out the argument strings followed by an array of (ptr, len) descriptors,
// then aligns the stack pointer down to 16 bytes. It returns the final SP and the argv
// descriptor base.
func pushArgs(mem vm.Memory, satp uint32, args [][]byte) (sp, argvBase uint32, err error) {
	sp = userStackTop

	ptrs := make([]uint32, len(args))

	for i, arg := range args {
		sp -= uint32(len(arg))

		if err := copyToUser(mem, satp, arg, vm.VirtAddr(sp)); err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrExec, err)
		}

		ptrs[i] = sp
	}

	sp -= uint32(len(args) * 8)
	sp &^= 3
	argvBase = sp

	desc := make([]byte, len(args)*8)

	for i := range args {
		putLE32(desc[i*8:], ptrs[i])
		putLE32(desc[i*8+4:], uint32(len(args[i])))
	}

	if err := copyToUser(mem, satp, desc, vm.VirtAddr(argvBase)); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrExec, err)
	}

	sp &^= 15

	return sp, argvBase, nil
}

func putLE32(buf []byte, v uint32) {
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// spawnProcess turns a built process into a Ready thread with argc/argv in a0/a1.
func (k *Kernel) spawnProcess(p *process) ThreadHandle {
	tcb := k.threads.NewTCB(p.entry, p.stackTop, p.satp, p.brk)
	tcb.Ctx.WriteReg(vm.RegA0, p.argc)
	tcb.Ctx.WriteReg(vm.RegA1, p.argvBase)

	k.threads.Spawn(tcb)

	return tcb.Handle
}

// Boot loads an ELF image as the first thread (pid 1) and installs its context in the
// CPU, ready for the run loop.
func (k *Kernel) Boot(cpu *vm.CPU, mem vm.Memory, image []byte, args [][]byte) error {
	p, err := k.buildProcess(mem, image, args)
	if err != nil {
		return err
	}

	tcb := k.threads.NewTCB(p.entry, p.stackTop, p.satp, p.brk)
	tcb.Ctx.WriteReg(vm.RegA0, p.argc)
	tcb.Ctx.WriteReg(vm.RegA1, p.argvBase)

	k.threads.Adopt(tcb)
	tcb.Ctx.RestoreTo(cpu)

	k.log.Debug("boot thread ready",
		"tid", tcb.Handle.String(),
		"entry", p.entry.String(),
		"brk", vm.VirtAddr(p.brk).String(),
	)

	return nil
}

// sysExec loads a program from the file system and spawns it as a new thread. The caller
// keeps running and receives the new thread's handle.
func (k *Kernel) sysExec(cpu *vm.CPU, mem vm.Memory, pathPtr vm.VirtAddr, pathLen uint32, argvPtr vm.VirtAddr, argc uint32) (vm.VirtAddr, error) {
	if k.fs == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	satp, err := k.currentSATP()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	path, err := k.readUserString(mem, pathPtr, pathLen)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	args, err := k.readArgs(mem, satp, argvPtr, argc)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	image, err := k.readFile(mem, path)
	if err != nil {
		k.log.Warn("exec failed", "path", path, "err", err)
		setErr(cpu)

		return next(cpu), nil
	}

	p, err := k.buildProcess(mem, image, args)
	if err != nil {
		k.log.Warn("exec failed", "path", path, "err", err)
		setErr(cpu)

		return next(cpu), nil
	}

	handle := k.spawnProcess(p)

	k.log.Debug("exec spawned", "path", path, "tid", handle.String())
	setRet(cpu, uint32(handle))

	return next(cpu), nil
}

// readArgs copies argc (ptr, len) descriptors and their strings out of user memory.
func (k *Kernel) readArgs(mem vm.Memory, satp uint32, argvPtr vm.VirtAddr, argc uint32) ([][]byte, error) {
	if argc == 0 {
		return nil, nil
	}

	desc := make([]byte, argc*8)
	if err := copyFromUser(mem, satp, argvPtr, desc); err != nil {
		return nil, err
	}

	args := make([][]byte, argc)

	for i := uint32(0); i < argc; i++ {
		ptr := uint32(desc[i*8]) | uint32(desc[i*8+1])<<8 | uint32(desc[i*8+2])<<16 |
			uint32(desc[i*8+3])<<24
		length := uint32(desc[i*8+4]) | uint32(desc[i*8+5])<<8 | uint32(desc[i*8+6])<<16 |
			uint32(desc[i*8+7])<<24

		arg := make([]byte, length)
		if err := copyFromUser(mem, satp, vm.VirtAddr(ptr), arg); err != nil {
			return nil, err
		}

		args[i] = arg
	}

	return args, nil
}

// readFile reads an entire file from the mounted volume.
func (k *Kernel) readFile(mem vm.Memory, path string) ([]byte, error) {
	inodeID, err := k.fs.FindInode(mem, path)
	if err != nil {
		return nil, err
	}

	ino, err := k.fs.ReadInode(mem, inodeID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, ino.Size)

	n, err := k.fs.ReadData(mem, &ino, 0, data)
	if err != nil {
		return nil, err
	}

	return data[:n], nil
}
