package vm

// exec.go defines the instruction cycle.

import (
	"context"
	"errors"
	"fmt"

	"github.com/freddiehaddad/ferrous/internal/log"
)

// DefaultTimerInterval is how many retired instructions separate timer interrupts when the
// machine is not configured otherwise.
const DefaultTimerInterval = 10_000

// Machine drives a CPU against a bus and hands traps to a kernel handler.
type Machine struct {
	CPU     *CPU
	Bus     *SystemBus
	Handler Handler

	// TimerInterval is the preemption quantum in instructions; zero disables the timer.
	TimerInterval uint64

	retired uint64
	log     *log.Logger
}

// An OptionFn modifies the machine during initialization.
type OptionFn func(*Machine)

// WithTimerInterval sets the preemption quantum.
func WithTimerInterval(interval uint64) OptionFn {
	return func(m *Machine) {
		m.TimerInterval = interval
	}
}

// WithLogger sets the machine's logger.
func WithLogger(logger *log.Logger) OptionFn {
	return func(m *Machine) {
		m.log = logger
	}
}

// NewMachine assembles a machine from a bus and a trap handler.
func NewMachine(bus *SystemBus, handler Handler, opts ...OptionFn) *Machine {
	m := &Machine{
		CPU:           NewCPU(RAMBase),
		Bus:           bus,
		Handler:       handler,
		TimerInterval: DefaultTimerInterval,
		log:           log.DefaultLogger(),
	}

	for _, fn := range opts {
		fn(m)
	}

	return m
}

// Run executes the instruction cycle until the handler halts the machine or a fatal error
// surfaces. A cancelled context stops the run between instructions.
func (m *Machine) Run(ctx context.Context) error {
	m.log.Debug("START", "pc", VirtAddr(m.CPU.PC).String())

	for {
		select {
		case <-ctx.Done():
			m.log.Warn("CANCELLED")
			return ctx.Err()
		default:
		}

		trap := m.Step()
		if trap == nil {
			continue
		}

		resume, err := m.Handler.HandleTrap(*trap, m.CPU, m.Bus)

		switch {
		case errors.Is(err, ErrHalt):
			m.log.Debug("HALTED", "retired", m.retired)
			return nil
		case err != nil:
			m.log.Error("trap handler failed", "trap", trap.String(), "err", err)
			return fmt.Errorf("run: %s: %w", trap, err)
		default:
			m.CPU.PC = uint32(resume)
		}
	}
}

// Step executes a single instruction and reports the trap it raised, if any. The program
// counter is left at the next instruction, except that ECALL and EBREAK rewind it to the
// trapping instruction so the handler sees the faulting PC, and synchronous faults leave it
// at the faulting instruction.
func (m *Machine) Step() *Trap {
	m.Bus.Tick()

	cpu := m.CPU
	pc := cpu.PC

	pa, trap := Translate(VirtAddr(pc), AccessExecute, cpu.SATP, cpu.Mode, m.Bus)
	if trap != nil {
		return trap
	}

	word, err := m.Bus.ReadWord(pa)
	if err != nil {
		return &Trap{Cause: InstructionAccessFault, Addr: VirtAddr(pc)}
	}

	instr, err := Decode(word)
	if err != nil {
		return &Trap{Cause: IllegalInstruction, Instr: word}
	}

	cpu.PC = pc + 4

	if trap := m.execute(pc, instr); trap != nil {
		if trap.Cause != EnvironmentCallFromU && trap.Cause != EnvironmentCallFromS &&
			trap.Cause != Breakpoint {
			cpu.PC = pc
		}

		return trap
	}

	m.retired++
	if m.TimerInterval > 0 && m.retired%m.TimerInterval == 0 {
		return &Trap{Cause: TimerInterrupt}
	}

	return nil
}

// execute dispatches one decoded instruction. pc is the address the instruction was fetched
// from; cpu.PC has already advanced past it.
func (m *Machine) execute(pc uint32, in Instruction) *Trap {
	cpu := m.CPU

	switch in.Op {
	case OpLUI:
		cpu.Write(in.Rd, uint32(in.Imm))

	case OpAUIPC:
		cpu.Write(in.Rd, pc+uint32(in.Imm))

	case OpJAL:
		cpu.Write(in.Rd, cpu.PC)
		cpu.PC = pc + uint32(in.Imm)

	case OpJALR:
		target := (cpu.Read(in.Rs1) + uint32(in.Imm)) &^ 1
		cpu.Write(in.Rd, cpu.PC)
		cpu.PC = target

	case OpBEQ:
		if cpu.Read(in.Rs1) == cpu.Read(in.Rs2) {
			cpu.PC = pc + uint32(in.Imm)
		}
	case OpBNE:
		if cpu.Read(in.Rs1) != cpu.Read(in.Rs2) {
			cpu.PC = pc + uint32(in.Imm)
		}
	case OpBLT:
		if int32(cpu.Read(in.Rs1)) < int32(cpu.Read(in.Rs2)) {
			cpu.PC = pc + uint32(in.Imm)
		}
	case OpBGE:
		if int32(cpu.Read(in.Rs1)) >= int32(cpu.Read(in.Rs2)) {
			cpu.PC = pc + uint32(in.Imm)
		}
	case OpBLTU:
		if cpu.Read(in.Rs1) < cpu.Read(in.Rs2) {
			cpu.PC = pc + uint32(in.Imm)
		}
	case OpBGEU:
		if cpu.Read(in.Rs1) >= cpu.Read(in.Rs2) {
			cpu.PC = pc + uint32(in.Imm)
		}

	case OpLB, OpLH, OpLW, OpLBU, OpLHU:
		return m.load(in)

	case OpSB, OpSH, OpSW:
		return m.store(in)

	case OpADDI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)+uint32(in.Imm))
	case OpSLTI:
		cpu.Write(in.Rd, boolToReg(int32(cpu.Read(in.Rs1)) < in.Imm))
	case OpSLTIU:
		cpu.Write(in.Rd, boolToReg(cpu.Read(in.Rs1) < uint32(in.Imm)))
	case OpXORI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)^uint32(in.Imm))
	case OpORI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)|uint32(in.Imm))
	case OpANDI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)&uint32(in.Imm))
	case OpSLLI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)<<(uint32(in.Imm)&0x1f))
	case OpSRLI:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)>>(uint32(in.Imm)&0x1f))
	case OpSRAI:
		cpu.Write(in.Rd, uint32(int32(cpu.Read(in.Rs1))>>(uint32(in.Imm)&0x1f)))

	case OpADD:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)+cpu.Read(in.Rs2))
	case OpSUB:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)-cpu.Read(in.Rs2))
	case OpSLL:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)<<(cpu.Read(in.Rs2)&0x1f))
	case OpSLT:
		cpu.Write(in.Rd, boolToReg(int32(cpu.Read(in.Rs1)) < int32(cpu.Read(in.Rs2))))
	case OpSLTU:
		cpu.Write(in.Rd, boolToReg(cpu.Read(in.Rs1) < cpu.Read(in.Rs2)))
	case OpXOR:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)^cpu.Read(in.Rs2))
	case OpSRL:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)>>(cpu.Read(in.Rs2)&0x1f))
	case OpSRA:
		cpu.Write(in.Rd, uint32(int32(cpu.Read(in.Rs1))>>(cpu.Read(in.Rs2)&0x1f)))
	case OpOR:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)|cpu.Read(in.Rs2))
	case OpAND:
		cpu.Write(in.Rd, cpu.Read(in.Rs1)&cpu.Read(in.Rs2))

	case OpECALL:
		cpu.PC = pc

		cause := EnvironmentCallFromU
		if cpu.Mode != ModeUser {
			cause = EnvironmentCallFromS
		}

		return &Trap{Cause: cause, Addr: VirtAddr(pc)}

	case OpEBREAK:
		cpu.PC = pc
		return &Trap{Cause: Breakpoint, Addr: VirtAddr(pc)}
	}

	return nil
}

// load performs a load with per-byte translation, so accesses straddling a page boundary
// resolve each byte through its own page.
func (m *Machine) load(in Instruction) *Trap {
	cpu := m.CPU
	base := VirtAddr(cpu.Read(in.Rs1) + uint32(in.Imm))

	var size uint32

	switch in.Op {
	case OpLB, OpLBU:
		size = 1
	case OpLH, OpLHU:
		size = 2
	default:
		size = 4
	}

	var val uint32

	for i := uint32(0); i < size; i++ {
		pa, trap := Translate(base+VirtAddr(i), AccessRead, cpu.SATP, cpu.Mode, m.Bus)
		if trap != nil {
			return trap
		}

		b, err := m.Bus.ReadByte(pa)
		if err != nil {
			return &Trap{Cause: LoadAccessFault, Addr: base + VirtAddr(i)}
		}

		val |= uint32(b) << (i * 8)
	}

	switch in.Op {
	case OpLB:
		val = uint32(signExtend(val, 8))
	case OpLH:
		val = uint32(signExtend(val, 16))
	}

	cpu.Write(in.Rd, val)

	return nil
}

// store performs a store with per-byte translation.
func (m *Machine) store(in Instruction) *Trap {
	cpu := m.CPU
	base := VirtAddr(cpu.Read(in.Rs1) + uint32(in.Imm))
	val := cpu.Read(in.Rs2)

	var size uint32

	switch in.Op {
	case OpSB:
		size = 1
	case OpSH:
		size = 2
	default:
		size = 4
	}

	for i := uint32(0); i < size; i++ {
		pa, trap := Translate(base+VirtAddr(i), AccessWrite, cpu.SATP, cpu.Mode, m.Bus)
		if trap != nil {
			return trap
		}

		if err := m.Bus.WriteByte(pa, uint8(val>>(i*8))); err != nil {
			return &Trap{Cause: StoreAccessFault, Addr: base + VirtAddr(i)}
		}
	}

	return nil
}

func boolToReg(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}
