package kernel

// syscall.go decodes, dispatches and encodes system calls.
//
// Calling convention: a7 holds the syscall number, a0..a4 the arguments, and the result
// goes in a0 with all-ones encoding an error. The interpreter delivers the trap with the
// PC rewound to the ECALL; handlers return pc+4 except where they deliberately leave the
// PC at the ECALL so the syscall re-executes after a wakeup (pipe read). A contended mutex
// acquire and a waitpid on a live target advance the PC before blocking, so the thread
// resumes past the ECALL.

import (
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/ffs"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

// Syscall numbers, stable across guest programs.
const (
	sysPipe         = 22
	sysOpen         = 56
	sysClose        = 57
	sysExec         = 59
	sysRead         = 63
	sysWrite        = 64
	sysConsoleRead  = 65
	sysExit         = 93
	sysYield        = 101
	sysThreadCreate = 102
	sysMutexCreate  = 110
	sysMutexAcquire = 111
	sysMutexRelease = 112
	sysBlockRead    = 200
	sysSbrk         = 214
	sysWaitPid      = 260
	sysSocket       = 300
	sysBind         = 301
	sysSendTo       = 302
	sysRecvFrom     = 303
)

// errReturn is the in-band error sentinel guests check for.
const errReturn = ^uint32(0)

// consoleReadLimit caps a single console_read transfer.
const consoleReadLimit = 1024

func setRet(cpu *vm.CPU, val uint32) {
	cpu.Write(vm.RegA0, val)
}

func setErr(cpu *vm.CPU) {
	cpu.Write(vm.RegA0, errReturn)
}

// next returns the resume address one instruction past the ECALL.
func next(cpu *vm.CPU) vm.VirtAddr {
	return vm.VirtAddr(cpu.PC + 4)
}

// handleSyscall dispatches the system call encoded in the CPU registers.
func (k *Kernel) handleSyscall(cpu *vm.CPU, mem vm.Memory) (vm.VirtAddr, error) {
	var (
		num = cpu.Read(vm.RegA7)
		a0  = cpu.Read(vm.RegA0)
		a1  = cpu.Read(vm.RegA1)
		a2  = cpu.Read(vm.RegA2)
		a3  = cpu.Read(vm.RegA3)
		a4  = cpu.Read(vm.RegA4)
	)

	k.log.Debug("syscall", "num", num, "a0", a0, "a1", a1, "a2", a2)

	switch num {
	case sysPipe:
		return k.sysPipe(cpu, mem, vm.VirtAddr(a0))
	case sysOpen:
		return k.sysOpen(cpu, mem, vm.VirtAddr(a0), a1)
	case sysClose:
		return k.sysClose(cpu, a0)
	case sysExec:
		return k.sysExec(cpu, mem, vm.VirtAddr(a0), a1, vm.VirtAddr(a2), a3)
	case sysRead:
		return k.sysRead(cpu, mem, a0, vm.VirtAddr(a1), a2)
	case sysWrite:
		return k.sysWrite(cpu, mem, a0, vm.VirtAddr(a1), a2)
	case sysConsoleRead:
		return k.sysConsoleRead(cpu, mem, vm.VirtAddr(a1), a2)
	case sysExit:
		return k.sysExit(cpu, int32(a0))
	case sysYield:
		return k.sysYield(cpu)
	case sysThreadCreate:
		return k.sysThreadCreate(cpu, vm.VirtAddr(a0), a1)
	case sysMutexCreate:
		setRet(cpu, k.createMutex())
		return next(cpu), nil
	case sysMutexAcquire:
		return k.sysMutexAcquire(cpu, a0)
	case sysMutexRelease:
		return k.sysMutexRelease(cpu, a0)
	case sysBlockRead:
		return k.sysBlockRead(cpu, mem, a0, vm.VirtAddr(a1))
	case sysSbrk:
		return k.sysSbrk(cpu, mem, int32(a0))
	case sysWaitPid:
		return k.sysWaitPid(cpu, a0)
	case sysSocket:
		return k.sysSocket(cpu)
	case sysBind:
		return k.sysBind(cpu, mem, a0, vm.VirtAddr(a1), a2)
	case sysSendTo:
		return k.sysSendTo(cpu, mem, a0, vm.VirtAddr(a1), a2, vm.VirtAddr(a3), a4)
	case sysRecvFrom:
		return k.sysRecvFrom(cpu, mem, a0, vm.VirtAddr(a1), a2, vm.VirtAddr(a3), vm.VirtAddr(a4))
	default:
		k.log.Warn("unknown syscall", "num", num)
		setErr(cpu)

		return next(cpu), nil
	}
}

// currentSATP returns the current thread's paging root for user-memory copies.
func (k *Kernel) currentSATP() (uint32, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		return 0, fmt.Errorf("%w: no current thread", ErrThread)
	}

	return tcb.Ctx.SATP, nil
}

func (k *Kernel) sysPipe(cpu *vm.CPU, mem vm.Memory, arrayPtr vm.VirtAddr) (vm.VirtAddr, error) {
	readFD, writeFD, ok := k.createPipe()
	if !ok {
		setErr(cpu)
		return next(cpu), nil
	}

	satp, err := k.currentSATP()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	var fds [8]byte
	fds[0], fds[1], fds[2], fds[3] = byte(readFD), byte(readFD>>8), byte(readFD>>16), byte(readFD>>24)
	fds[4], fds[5], fds[6], fds[7] = byte(writeFD), byte(writeFD>>8), byte(writeFD>>16), byte(writeFD>>24)

	if err := copyToUser(mem, satp, fds[:], arrayPtr); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	setRet(cpu, 0)

	return next(cpu), nil
}

func (k *Kernel) sysOpen(cpu *vm.CPU, mem vm.Memory, pathPtr vm.VirtAddr, pathLen uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil || k.fs == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	path, err := k.readUserString(mem, pathPtr, pathLen)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	inodeID, err := k.fs.FindInode(mem, path)
	if err != nil {
		setErr(cpu)
		return next(cpu), nil
	}

	fd := tcb.installFD(&FileDesc{Kind: FDFile, InodeID: inodeID})
	setRet(cpu, fd)

	return next(cpu), nil
}

func (k *Kernel) sysClose(cpu *vm.CPU, fd uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	desc := tcb.releaseFD(fd)
	if desc == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	if desc.Kind == FDPipe {
		k.closePipeEnd(desc.PipeID, desc.WriteSide)
	}

	setRet(cpu, 0)

	return next(cpu), nil
}

func (k *Kernel) sysRead(cpu *vm.CPU, mem vm.Memory, fd uint32, bufPtr vm.VirtAddr, length uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	satp := tcb.Ctx.SATP
	desc := tcb.lookupFD(fd)

	switch {
	case desc == nil:
		setErr(cpu)
		return next(cpu), nil

	case desc.Kind == FDPipe:
		if desc.WriteSide {
			setErr(cpu)
			return next(cpu), nil
		}

		data, wouldBlock, ok := k.pipeRead(desc.PipeID, int(length))
		if !ok {
			setErr(cpu)
			return next(cpu), nil
		}

		if wouldBlock {
			// The PC stays at the ECALL: the syscall re-executes when a writer wakes us.
			k.threads.Block()

			if !k.threads.Yield(cpu) {
				return 0, vm.ErrHalt
			}

			return vm.VirtAddr(cpu.PC), nil
		}

		if err := copyToUser(mem, satp, data, bufPtr); err != nil {
			return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
		}

		setRet(cpu, uint32(len(data)))

		return next(cpu), nil

	case desc.Kind == FDFile:
		if k.fs == nil {
			setErr(cpu)
			return next(cpu), nil
		}

		ino, err := k.fs.ReadInode(mem, desc.InodeID)
		if err != nil {
			setErr(cpu)
			return next(cpu), nil
		}

		buf := make([]byte, length)

		n, err := k.fs.ReadData(mem, &ino, desc.Offset, buf)
		if err != nil {
			setErr(cpu)
			return next(cpu), nil
		}

		if err := copyToUser(mem, satp, buf[:n], bufPtr); err != nil {
			return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
		}

		desc.Offset += uint32(n)
		setRet(cpu, uint32(n))

		return next(cpu), nil

	default:
		setErr(cpu)
		return next(cpu), nil
	}
}

func (k *Kernel) sysWrite(cpu *vm.CPU, mem vm.Memory, fd uint32, bufPtr vm.VirtAddr, length uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	buf := make([]byte, length)
	if err := copyFromUser(mem, tcb.Ctx.SATP, bufPtr, buf); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	desc := tcb.lookupFD(fd)

	switch {
	case desc == nil && (fd == 1 || fd == 2):
		// Unbound stdout/stderr go to the console.
		for _, b := range buf {
			err := mem.WriteWord(vm.PhysAddr(vm.UARTBase+vm.UARTTHR), uint32(b))
			if err != nil {
				return 0, fmt.Errorf("%w: console write: %w", vm.ErrHandler, err)
			}
		}

		setRet(cpu, length)

	case desc != nil && desc.Kind == FDPipe && desc.WriteSide:
		if k.pipeWrite(desc.PipeID, buf) {
			setRet(cpu, length)
		} else {
			setErr(cpu)
		}

	default:
		setErr(cpu)
	}

	return next(cpu), nil
}

func (k *Kernel) sysConsoleRead(cpu *vm.CPU, mem vm.Memory, bufPtr vm.VirtAddr, length uint32) (vm.VirtAddr, error) {
	if length == 0 {
		setRet(cpu, 0)
		return next(cpu), nil
	}

	// The first byte blocks the interpreter; the rest drain whatever is staged, up to a
	// line boundary.
	val, err := mem.ReadWord(vm.PhysAddr(vm.UARTBase + vm.UARTRBR))
	if err != nil {
		return 0, fmt.Errorf("%w: console read: %w", vm.ErrHandler, err)
	}

	if val == 0 {
		setRet(cpu, 0) // Host EOF.
		return next(cpu), nil
	}

	data := []byte{byte(val)}

	limit := length
	if limit > consoleReadLimit {
		limit = consoleReadLimit
	}

	for uint32(len(data)) < limit && data[len(data)-1] != '\n' && data[len(data)-1] != '\r' {
		lsr, err := mem.ReadWord(vm.PhysAddr(vm.UARTBase + vm.UARTLSR))
		if err != nil {
			return 0, fmt.Errorf("%w: console status: %w", vm.ErrHandler, err)
		}

		if lsr&1 == 0 {
			break
		}

		val, err := mem.ReadWord(vm.PhysAddr(vm.UARTBase + vm.UARTRBR))
		if err != nil {
			return 0, fmt.Errorf("%w: console read: %w", vm.ErrHandler, err)
		}

		if val == 0 {
			break
		}

		data = append(data, byte(val))
	}

	satp, err := k.currentSATP()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	if err := copyToUser(mem, satp, data, bufPtr); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	setRet(cpu, uint32(len(data)))

	return next(cpu), nil
}

func (k *Kernel) sysExit(cpu *vm.CPU, code int32) (vm.VirtAddr, error) {
	k.threads.Exit(code)

	if !k.threads.Yield(cpu) {
		return 0, vm.ErrHalt
	}

	return vm.VirtAddr(cpu.PC), nil
}

func (k *Kernel) sysYield(cpu *vm.CPU) (vm.VirtAddr, error) {
	// The return value and advanced PC are saved with the yielding thread's context.
	setRet(cpu, 0)
	cpu.PC += 4

	if !k.threads.Yield(cpu) {
		return 0, vm.ErrHalt
	}

	return vm.VirtAddr(cpu.PC), nil
}

func (k *Kernel) sysThreadCreate(cpu *vm.CPU, entry vm.VirtAddr, stackTop uint32) (vm.VirtAddr, error) {
	handle, err := k.threads.Create(entry, stackTop)
	if err != nil {
		setErr(cpu)
	} else {
		setRet(cpu, uint32(handle))
	}

	return next(cpu), nil
}

func (k *Kernel) sysMutexAcquire(cpu *vm.CPU, id uint32) (vm.VirtAddr, error) {
	contended, ok := k.acquireMutex(id)
	if !ok {
		setErr(cpu)
		return next(cpu), nil
	}

	if !contended {
		setRet(cpu, 0)
		return next(cpu), nil
	}

	// Queued behind the owner. Success and the advanced PC are saved with our context, so
	// the syscall completes when the hand-off wakes us.
	setRet(cpu, 0)
	cpu.PC += 4
	k.threads.Block()

	if !k.threads.Yield(cpu) {
		return 0, vm.ErrHalt
	}

	return vm.VirtAddr(cpu.PC), nil
}

func (k *Kernel) sysMutexRelease(cpu *vm.CPU, id uint32) (vm.VirtAddr, error) {
	if k.releaseMutex(id) {
		setRet(cpu, 0)
	} else {
		setErr(cpu)
	}

	return next(cpu), nil
}

func (k *Kernel) sysBlockRead(cpu *vm.CPU, mem vm.Memory, sector uint32, bufPtr vm.VirtAddr) (vm.VirtAddr, error) {
	buf := make([]byte, ffs.BlockSize)

	if err := readSector(mem, sector, buf); err != nil {
		setErr(cpu)
		return next(cpu), nil
	}

	satp, err := k.currentSATP()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	if err := copyToUser(mem, satp, buf, bufPtr); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	setRet(cpu, 0)

	return next(cpu), nil
}

func (k *Kernel) sysSbrk(cpu *vm.CPU, mem vm.Memory, increment int32) (vm.VirtAddr, error) {
	oldBreak, err := k.sbrk(mem, increment)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	setRet(cpu, oldBreak)

	return next(cpu), nil
}

func (k *Kernel) sysWaitPid(cpu *vm.CPU, tid uint32) (vm.VirtAddr, error) {
	code, done, err := k.threads.Wait(ThreadHandle(tid))
	if err != nil {
		setErr(cpu)
		return next(cpu), nil
	}

	if done {
		setRet(cpu, uint32(code))
		return next(cpu), nil
	}

	// Waiting. The target's exit writes its code into our saved a0.
	setRet(cpu, 0)
	cpu.PC += 4

	if !k.threads.Yield(cpu) {
		return 0, vm.ErrHalt
	}

	return vm.VirtAddr(cpu.PC), nil
}

func (k *Kernel) sysSocket(cpu *vm.CPU) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	id := k.sockets.Create()
	fd := tcb.installFD(&FileDesc{Kind: FDSocket, SocketID: id})
	setRet(cpu, fd)

	return next(cpu), nil
}

func (k *Kernel) sysBind(cpu *vm.CPU, mem vm.Memory, fd uint32, addrPtr vm.VirtAddr, addrLen uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil || addrLen < sockAddrInLen {
		setErr(cpu)
		return next(cpu), nil
	}

	desc := tcb.lookupFD(fd)
	if desc == nil || desc.Kind != FDSocket {
		setErr(cpu)
		return next(cpu), nil
	}

	raw := make([]byte, sockAddrInLen)
	if err := copyFromUser(mem, tcb.Ctx.SATP, addrPtr, raw); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	sa, ok := decodeSockAddr(raw)
	if !ok || !k.sockets.Bind(desc.SocketID, sa.Port) {
		setErr(cpu)
		return next(cpu), nil
	}

	setRet(cpu, 0)

	return next(cpu), nil
}

func (k *Kernel) sysSendTo(cpu *vm.CPU, mem vm.Memory, fd uint32, bufPtr vm.VirtAddr, length uint32, destPtr vm.VirtAddr, destLen uint32) (vm.VirtAddr, error) {
	tcb := k.threads.Current()
	if tcb == nil || destLen < sockAddrInLen {
		setErr(cpu)
		return next(cpu), nil
	}

	desc := tcb.lookupFD(fd)
	if desc == nil || desc.Kind != FDSocket {
		setErr(cpu)
		return next(cpu), nil
	}

	satp := tcb.Ctx.SATP

	payload := make([]byte, length)
	if err := copyFromUser(mem, satp, bufPtr, payload); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	raw := make([]byte, sockAddrInLen)
	if err := copyFromUser(mem, satp, destPtr, raw); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	sa, ok := decodeSockAddr(raw)
	if !ok {
		setErr(cpu)
		return next(cpu), nil
	}

	var srcPort uint16
	if s, found := k.sockets.Get(desc.SocketID); found {
		srcPort = s.LocalPort
	}

	netSendPacket(mem, buildFrame(srcPort, sa.Port, sa.Addr, payload))
	setRet(cpu, length)

	return next(cpu), nil
}

func (k *Kernel) sysRecvFrom(cpu *vm.CPU, mem vm.Memory, fd uint32, bufPtr vm.VirtAddr, length uint32, srcPtr, srcLenPtr vm.VirtAddr) (vm.VirtAddr, error) {
	k.processRx(mem)

	tcb := k.threads.Current()
	if tcb == nil {
		setErr(cpu)
		return next(cpu), nil
	}

	desc := tcb.lookupFD(fd)
	if desc == nil || desc.Kind != FDSocket {
		setErr(cpu)
		return next(cpu), nil
	}

	sock, found := k.sockets.Get(desc.SocketID)
	if !found || len(sock.RxQueue) == 0 {
		setErr(cpu) // Would block.
		return next(cpu), nil
	}

	pkt := sock.RxQueue[0]
	sock.RxQueue = sock.RxQueue[1:]

	satp := tcb.Ctx.SATP

	n := uint32(len(pkt.Payload))
	if n > length {
		n = length
	}

	if err := copyToUser(mem, satp, pkt.Payload[:n], bufPtr); err != nil {
		return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
	}

	if srcPtr != 0 {
		raw := encodeSockAddr(sockAddrIn{Family: 2, Port: pkt.SrcPort, Addr: pkt.SrcIP})

		if err := copyToUser(mem, satp, raw, srcPtr); err != nil {
			return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
		}

		if srcLenPtr != 0 {
			var lenBuf [4]byte
			lenBuf[0] = sockAddrInLen

			if err := copyToUser(mem, satp, lenBuf[:], srcLenPtr); err != nil {
				return 0, fmt.Errorf("%w: %w", vm.ErrHandler, err)
			}
		}
	}

	setRet(cpu, n)

	return next(cpu), nil
}

// readUserString copies a guest string into the kernel.
func (k *Kernel) readUserString(mem vm.Memory, ptr vm.VirtAddr, length uint32) (string, error) {
	satp, err := k.currentSATP()
	if err != nil {
		return "", err
	}

	buf := make([]byte, length)
	if err := copyFromUser(mem, satp, ptr, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}
