package vm

// trap.go names the causes that suspend normal execution and the handler that consumes them.

import (
	"errors"
	"fmt"
)

// Cause identifies why the interpreter stopped mid-cycle.
type Cause uint8

// Trap causes. The synchronous causes mirror the RISC-V exception set the kernel handles;
// TimerInterrupt is raised between instructions to drive preemption.
const (
	InstructionMisaligned Cause = iota
	InstructionAccessFault
	IllegalInstruction
	Breakpoint
	LoadAccessFault
	StoreAccessFault
	EnvironmentCallFromU
	EnvironmentCallFromS
	InstructionPageFault
	LoadPageFault
	StorePageFault
	TimerInterrupt
)

func (c Cause) String() string {
	switch c {
	case InstructionMisaligned:
		return "instruction misaligned"
	case InstructionAccessFault:
		return "instruction access fault"
	case IllegalInstruction:
		return "illegal instruction"
	case Breakpoint:
		return "breakpoint"
	case LoadAccessFault:
		return "load access fault"
	case StoreAccessFault:
		return "store access fault"
	case EnvironmentCallFromU:
		return "ecall from U"
	case EnvironmentCallFromS:
		return "ecall from S"
	case InstructionPageFault:
		return "instruction page fault"
	case LoadPageFault:
		return "load page fault"
	case StorePageFault:
		return "store page fault"
	case TimerInterrupt:
		return "timer interrupt"
	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// Trap is a raised cause together with the address or instruction word that raised it.
type Trap struct {
	Cause Cause
	Addr  VirtAddr // Faulting address, for memory causes.
	Instr uint32   // Offending word, for decode causes.
}

func (t Trap) String() string {
	switch {
	case t.Cause == IllegalInstruction:
		return fmt.Sprintf("%s: %#08x", t.Cause, t.Instr)
	case t.Addr != 0:
		return fmt.Sprintf("%s: %s", t.Cause, t.Addr)
	default:
		return t.Cause.String()
	}
}

// A Handler consumes traps on behalf of the kernel. It returns the virtual address at which
// execution resumes, or an error: [ErrHalt] for a clean shutdown, anything else is fatal.
type Handler interface {
	HandleTrap(trap Trap, cpu *CPU, mem Memory) (VirtAddr, error)
}

var (
	// ErrHalt is returned by a trap handler to terminate the run cleanly.
	ErrHalt = errors.New("halt")

	// ErrHandler wraps failures raised inside a trap handler.
	ErrHandler = errors.New("trap handler")
)

// UnhandledTrapError is returned when no handler consumed a trap cause.
type UnhandledTrapError struct {
	Trap Trap
}

func (e *UnhandledTrapError) Error() string {
	return fmt.Sprintf("unhandled trap: %s", e.Trap)
}
