package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// recordingHandler halts on EBREAK, resumes past ECALLs, counts timer interrupts and
// fails the run on anything else.
type recordingHandler struct {
	traps  []Trap
	ecalls int
	timers int
}

func (h *recordingHandler) HandleTrap(trap Trap, cpu *CPU, _ Memory) (VirtAddr, error) {
	h.traps = append(h.traps, trap)

	switch trap.Cause {
	case Breakpoint:
		return 0, ErrHalt
	case TimerInterrupt:
		h.timers++
		return VirtAddr(cpu.PC), nil
	case EnvironmentCallFromU, EnvironmentCallFromS:
		h.ecalls++
		return VirtAddr(cpu.PC + 4), nil
	default:
		return 0, &UnhandledTrapError{Trap: trap}
	}
}

// NewTestMachine builds a bare-mode machine with code loaded at the bottom of RAM. The
// timer is off unless the test turns it on.
func NewTestMachine(t *testing.T, code ...uint32) (*Machine, *recordingHandler) {
	t.Helper()

	bus := NewSystemBus(1 << 20)

	buf := make([]byte, len(code)*4)
	for i, w := range code {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	if err := bus.RAM().Load(PhysAddr(RAMBase), buf); err != nil {
		t.Fatalf("load code: %v", err)
	}

	handler := &recordingHandler{}
	machine := NewMachine(bus, handler, WithTimerInterval(0))

	return machine, handler
}

func run(t *testing.T, m *Machine) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestArithmetic(tt *testing.T) {
	tt.Parallel()

	tt.Run("add-sub", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			addi(a0, x0, 40),
			addi(a1, x0, 2),
			add(a2, a0, a1),
			sub(t0, a0, a1),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA2); got != 42 {
			t.Errorf("a2: want 42, got %d", got)
		}

		if got := m.CPU.Read(5); got != 38 {
			t.Errorf("t0: want 38, got %d", got)
		}
	})

	tt.Run("wraparound", func(t *testing.T) {
		t.Parallel()

		// 0xffff_ffff + 1 wraps to zero.
		m, _ := NewTestMachine(t,
			addi(a0, x0, -1),
			addi(a1, x0, 1),
			add(a2, a0, a1),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA2); got != 0 {
			t.Errorf("a2: want 0, got %#x", got)
		}
	})

	tt.Run("zero-register", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			addi(x0, x0, 123),
			add(a0, x0, x0),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegZero); got != 0 {
			t.Errorf("x0: want 0, got %d", got)
		}

		if got := m.CPU.Read(RegA0); got != 0 {
			t.Errorf("a0: want 0, got %d", got)
		}
	})

	tt.Run("shift-masks-amount", func(t *testing.T) {
		t.Parallel()

		// The shift amount is the low five bits of rs2: 33 shifts by 1.
		m, _ := NewTestMachine(t,
			addi(a0, x0, 1),
			addi(a1, x0, 33),
			sll(a2, a0, a1),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA2); got != 2 {
			t.Errorf("a2: want 2, got %d", got)
		}
	})

	tt.Run("arithmetic-shift", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			addi(a0, x0, -16),
			srai(a1, a0, 2),
			ebreak(),
		)
		run(t, m)

		if got := int32(m.CPU.Read(RegA1)); got != -4 {
			t.Errorf("a1: want -4, got %d", got)
		}
	})
}

func TestControlFlow(tt *testing.T) {
	tt.Parallel()

	tt.Run("jal-links-next", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			jal(ra, 8), // Skip the next instruction.
			addi(a0, x0, 1),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA0); got != 0 {
			t.Errorf("a0: skipped instruction executed, got %d", got)
		}

		if got := m.CPU.Read(RegRA); got != RAMBase+4 {
			t.Errorf("ra: want %#x, got %#x", RAMBase+4, got)
		}
	})

	tt.Run("loop-counts-down", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			addi(a0, x0, 5),
			addi(a1, x0, 0),
			// loop:
			addi(a1, a1, 3),
			addi(a0, a0, -1),
			bne(a0, x0, -8),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA1); got != 15 {
			t.Errorf("a1: want 15, got %d", got)
		}
	})

	tt.Run("auipc", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			auipc(a0, 1),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA0); got != RAMBase+0x1000 {
			t.Errorf("a0: want %#x, got %#x", RAMBase+0x1000, got)
		}
	})
}

func TestLoadStore(tt *testing.T) {
	tt.Parallel()

	tt.Run("word-roundtrip", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			lui(t0, 0x80010), // Scratch page well past the code.
			addi(a0, x0, -2),
			sw(a0, t0, 4),
			lw(a1, t0, 4),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA1); got != 0xffff_fffe {
			t.Errorf("a1: want 0xfffffffe, got %#x", got)
		}
	})

	tt.Run("byte-sign-extension", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t,
			lui(t0, 0x80010),
			addi(a0, x0, -1),
			sb(a0, t0, 0),
			lb(a1, t0, 0),
			lbu(a2, t0, 0),
			ebreak(),
		)
		run(t, m)

		if got := m.CPU.Read(RegA1); got != 0xffff_ffff {
			t.Errorf("lb: want sign extension, got %#x", got)
		}

		if got := m.CPU.Read(RegA2); got != 0xff {
			t.Errorf("lbu: want 0xff, got %#x", got)
		}
	})
}

func TestTraps(tt *testing.T) {
	tt.Parallel()

	tt.Run("ecall-rewinds-pc", func(t *testing.T) {
		t.Parallel()

		m, h := NewTestMachine(t,
			addi(a0, x0, 7),
			ecall(),
			ebreak(),
		)
		run(t, m)

		if h.ecalls != 1 {
			t.Fatalf("ecalls: want 1, got %d", h.ecalls)
		}

		// The trap surfaced with the PC rewound to the ECALL itself.
		if got := h.traps[0].Addr; got != VirtAddr(RAMBase+4) {
			t.Errorf("ecall addr: want %#x, got %s", RAMBase+4, got)
		}
	})

	tt.Run("illegal-instruction", func(t *testing.T) {
		t.Parallel()

		m, _ := NewTestMachine(t, 0xffff_ffff)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := m.Run(ctx)

		var unhandled *UnhandledTrapError
		if !errors.As(err, &unhandled) {
			t.Fatalf("want unhandled trap, got %v", err)
		}

		if unhandled.Trap.Cause != IllegalInstruction {
			t.Errorf("cause: want illegal instruction, got %s", unhandled.Trap.Cause)
		}
	})

	tt.Run("timer-fires-between-instructions", func(t *testing.T) {
		t.Parallel()

		code := make([]uint32, 0, 21)
		for i := 0; i < 20; i++ {
			code = append(code, addi(a0, a0, 1))
		}
		code = append(code, ebreak())

		m, h := NewTestMachine(t, code...)
		m.TimerInterval = 5

		run(t, m)

		if h.timers != 4 {
			t.Errorf("timers: want 4, got %d", h.timers)
		}
	})
}
