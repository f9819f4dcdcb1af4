// Package kernel is the supervisor for the emulated machine. It runs as host code, not as
// guest instructions: the interpreter delivers traps to it, and it owns threads, address
// spaces, synchronization, the file system, pipes, sockets and the system-call surface.
package kernel

import (
	"github.com/freddiehaddad/ferrous/internal/log"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

// defaultBreak is the initial program break for the boot thread when it was loaded outside
// exec: the first address past the RAM region reserved for boot images.
const defaultBreak = frameAllocStart

// Kernel holds all supervisor state. The host runs a single thread of control, so no
// locking guards this state: guest threads are multiplexed by the scheduler and the only
// reentrancy is trap delivery between instructions.
type Kernel struct {
	threads *ThreadManager
	frames  FrameAllocator

	fs *FileSystem // Nil when no disk is attached or the mount failed.

	mutexes     map[uint32]*Mutex
	nextMutexID uint32

	pipes      map[uint32]*Pipe
	nextPipeID uint32

	sockets *SocketTable

	log *log.Logger
}

// New creates a kernel with no threads and no mounted file system.
func New() *Kernel {
	return &Kernel{
		threads:     NewThreadManager(),
		frames:      NewFrameAllocator(),
		mutexes:     make(map[uint32]*Mutex),
		nextMutexID: 1,
		pipes:       make(map[uint32]*Pipe),
		nextPipeID:  1,
		sockets:     NewSocketTable(),
		log:         log.DefaultLogger(),
	}
}

// Threads exposes the thread manager, mostly for tests and the boot path.
func (k *Kernel) Threads() *ThreadManager { return k.threads }

// MountDisk mounts the FerrousFS volume behind the block device. On failure the kernel
// keeps running without a file system; open and exec will fail until a mount succeeds.
func (k *Kernel) MountDisk(mem vm.Memory) error {
	fs, err := Mount(mem)
	if err != nil {
		return err
	}

	k.fs = fs

	return nil
}

// ensureCurrent lazily adopts the CPU's running code as the first thread. It covers
// programs loaded directly into RAM without going through exec.
func (k *Kernel) ensureCurrent(cpu *vm.CPU) {
	if k.threads.current != 0 || len(k.threads.threads) > 0 {
		return
	}

	tcb := &TCB{
		Handle: k.threads.allocHandle(),
		Break:  defaultBreak,
	}
	tcb.Ctx.SaveFrom(cpu)

	k.threads.Adopt(tcb)
}

// HandleTrap is the kernel's entry point from the interpreter. ECALLs dispatch to the
// system-call surface; the timer interrupt preempts; every other cause is fatal by design,
// since there is no demand paging and decode errors cannot be patched.
func (k *Kernel) HandleTrap(trap vm.Trap, cpu *vm.CPU, mem vm.Memory) (vm.VirtAddr, error) {
	k.ensureCurrent(cpu)

	switch trap.Cause {
	case vm.EnvironmentCallFromU, vm.EnvironmentCallFromS:
		return k.handleSyscall(cpu, mem)

	case vm.TimerInterrupt:
		if !k.threads.Yield(cpu) {
			return 0, vm.ErrHalt
		}

		return vm.VirtAddr(cpu.PC), nil

	default:
		return 0, &vm.UnhandledTrapError{Trap: trap}
	}
}
