package kernel

// thread.go manages thread control blocks and the context switch.

import (
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/log"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

// ThreadHandle identifies a thread. Handles are non-zero and never reused within a run.
type ThreadHandle uint32

func (h ThreadHandle) String() string {
	return fmt.Sprintf("tid(%d)", uint32(h))
}

// ThreadState is a TCB's lifecycle state.
type ThreadState uint8

// Thread states. A Waiting thread resumes when its wait target terminates; a Blocked
// thread resumes only on an explicit wake.
const (
	StateReady ThreadState = iota
	StateRunning
	StateBlocked
	StateWaiting
	StateTerminated
)

func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ThreadState(%d)", uint8(s))
	}
}

// ErrThread wraps thread-management failures.
var ErrThread = errors.New("thread")

// Context is the register state saved across a context switch: the full register file, the
// program counter, the paging root and the privilege mode. Restoring it is atomic from the
// scheduler's point of view.
type Context struct {
	PC   uint32
	Regs [vm.NumRegs]uint32
	SATP uint32
	Mode vm.PrivilegeMode
}

// SaveFrom snapshots the CPU into the context.
func (c *Context) SaveFrom(cpu *vm.CPU) {
	c.PC = cpu.PC
	c.Regs = cpu.Regs
	c.SATP = cpu.SATP
	c.Mode = cpu.Mode
}

// RestoreTo loads the context into the CPU.
func (c *Context) RestoreTo(cpu *vm.CPU) {
	cpu.PC = c.PC
	cpu.Regs = c.Regs
	cpu.SATP = c.SATP
	cpu.Mode = c.Mode
}

// WriteReg updates one register in the saved context. Register zero stays zero.
func (c *Context) WriteReg(r vm.Reg, val uint32) {
	if r != vm.RegZero {
		c.Regs[r] = val
	}
}

// TCB is a thread control block: everything needed to suspend and resume one thread.
type TCB struct {
	Handle     ThreadHandle
	State      ThreadState
	WaitTarget ThreadHandle // Valid while State is Waiting.
	ExitCode   int32        // Valid once State is Terminated.

	Ctx   Context
	Break uint32 // Program break, the top of the heap.
	FDs   []*FileDesc
}

// cloneFDs copies a descriptor table by value.
func cloneFDs(fds []*FileDesc) []*FileDesc {
	out := make([]*FileDesc, len(fds))

	for i, fd := range fds {
		if fd != nil {
			cp := *fd
			out[i] = &cp
		}
	}

	return out
}

// ThreadManager owns every TCB and the scheduling decisions between them. The scheduler
// holds only handles; at most one thread is Running at a time and a Running thread is
// never in the ready queue.
type ThreadManager struct {
	threads    map[ThreadHandle]*TCB
	sched      Scheduler
	current    ThreadHandle // Zero when no thread is running.
	nextHandle uint32

	log *log.Logger
}

// NewThreadManager creates a manager with a round-robin scheduler.
func NewThreadManager() *ThreadManager {
	return &ThreadManager{
		threads:    make(map[ThreadHandle]*TCB),
		sched:      NewRoundRobin(),
		nextHandle: 1,
		log:        log.DefaultLogger(),
	}
}

// Current returns the running thread's TCB, or nil.
func (tm *ThreadManager) Current() *TCB {
	if tm.current == 0 {
		return nil
	}

	return tm.threads[tm.current]
}

// Get looks up a TCB by handle.
func (tm *ThreadManager) Get(h ThreadHandle) (*TCB, bool) {
	tcb, ok := tm.threads[h]
	return tcb, ok
}

// Spawn registers a TCB built outside the current address space (exec) and makes it Ready.
func (tm *ThreadManager) Spawn(tcb *TCB) {
	tcb.State = StateReady
	tm.threads[tcb.Handle] = tcb
	tm.sched.Enqueue(tcb.Handle)
}

// Adopt installs a freshly built TCB as the running thread. Used at boot for pid 1.
func (tm *ThreadManager) Adopt(tcb *TCB) {
	tcb.State = StateRunning
	tm.threads[tcb.Handle] = tcb
	tm.current = tcb.Handle
}

// allocHandle reserves the next thread handle.
func (tm *ThreadManager) allocHandle() ThreadHandle {
	h := ThreadHandle(tm.nextHandle)
	tm.nextHandle++

	return h
}

// NewTCB builds an un-enqueued TCB with a fresh handle.
func (tm *ThreadManager) NewTCB(entry vm.VirtAddr, stackTop, satp, brk uint32) *TCB {
	tcb := &TCB{
		Handle: tm.allocHandle(),
		State:  StateReady,
		Ctx: Context{
			PC:   uint32(entry),
			SATP: satp,
			Mode: vm.ModeUser,
		},
		Break: brk,
	}
	tcb.Ctx.Regs[vm.RegSP] = stackTop

	return tcb
}

// Create spawns a thread in the current thread's address space. The child inherits the
// parent's satp, program break and a by-value copy of its descriptor table; it starts Ready
// in user mode while the creator keeps running.
func (tm *ThreadManager) Create(entry vm.VirtAddr, stackTop uint32) (ThreadHandle, error) {
	parent := tm.Current()
	if parent == nil {
		return 0, fmt.Errorf("%w: create without a current thread", ErrThread)
	}

	tcb := tm.NewTCB(entry, stackTop, parent.Ctx.SATP, parent.Break)
	tcb.FDs = cloneFDs(parent.FDs)

	tm.threads[tcb.Handle] = tcb
	tm.sched.Enqueue(tcb.Handle)

	tm.log.Debug("thread created", "tid", tcb.Handle.String(), "entry", entry.String())

	return tcb.Handle, nil
}

// Yield makes a scheduling decision. The current thread's context is saved; if it is still
// Running it becomes Ready and re-joins the queue. The next Ready thread, if any, is
// restored into the CPU. Yield reports false when there is nothing left to run at all:
// no Ready thread and the previous thread did not remain Running.
func (tm *ThreadManager) Yield(cpu *vm.CPU) bool {
	prev := tm.Current()

	if prev != nil {
		prev.Ctx.SaveFrom(cpu)

		if prev.State == StateRunning {
			prev.State = StateReady
			tm.sched.Enqueue(prev.Handle)
		}
	}

	// A still-Running previous thread was just re-enqueued, so an empty queue here means
	// nothing in the system can make progress.
	next, ok := tm.sched.Schedule()
	if !ok {
		tm.current = 0
		return false
	}

	tcb := tm.threads[next]
	tcb.State = StateRunning
	tm.current = next
	tcb.Ctx.RestoreTo(cpu)

	return true
}

// Exit terminates the current thread. Every thread waiting on it becomes Ready with the
// exit code pre-written into its saved a0, so waitpid returns the code when the waiter
// next runs.
func (tm *ThreadManager) Exit(code int32) {
	tcb := tm.Current()
	if tcb == nil {
		return
	}

	for _, t := range tm.threads {
		if t.State == StateWaiting && t.WaitTarget == tcb.Handle {
			t.State = StateReady
			t.Ctx.WriteReg(vm.RegA0, uint32(code))
			tm.sched.Enqueue(t.Handle)
		}
	}

	tcb.State = StateTerminated
	tcb.ExitCode = code
	tm.current = 0

	tm.log.Debug("thread exited", "tid", tcb.Handle.String(), "code", code)
}

// Wait arranges for the current thread to observe target's exit. If target has already
// terminated its exit code is returned immediately with done=true; otherwise the current
// thread transitions to Waiting and the caller must schedule.
func (tm *ThreadManager) Wait(target ThreadHandle) (code int32, done bool, err error) {
	tcb, ok := tm.threads[target]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s not found", ErrThread, target)
	}

	if tcb.State == StateTerminated {
		return tcb.ExitCode, true, nil
	}

	cur := tm.Current()
	if cur == nil {
		return 0, false, fmt.Errorf("%w: wait without a current thread", ErrThread)
	}

	if cur.Handle == target {
		return 0, false, fmt.Errorf("%w: wait on self", ErrThread)
	}

	cur.State = StateWaiting
	cur.WaitTarget = target

	return 0, false, nil
}

// Block marks the current thread Blocked. It stays off the ready queue until Wake.
func (tm *ThreadManager) Block() {
	if tcb := tm.Current(); tcb != nil {
		tcb.State = StateBlocked
	}
}

// Wake transitions a Blocked thread to Ready and enqueues it.
func (tm *ThreadManager) Wake(h ThreadHandle) {
	if tcb, ok := tm.threads[h]; ok && tcb.State == StateBlocked {
		tcb.State = StateReady
		tm.sched.Enqueue(h)
	}
}
