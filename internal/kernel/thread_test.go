package kernel

import (
	"testing"

	"github.com/freddiehaddad/ferrous/internal/vm"
)

// adoptThread installs a running thread so manager operations have a current thread.
func adoptThread(tm *ThreadManager, cpu *vm.CPU) *TCB {
	tcb := &TCB{Handle: tm.allocHandle(), Break: defaultBreak}
	tcb.Ctx.SaveFrom(cpu)
	tm.Adopt(tcb)

	return tcb
}

func TestThreadCreate(tt *testing.T) {
	tt.Parallel()

	tm := NewThreadManager()
	cpu := vm.NewCPU(0x1000)
	cpu.SATP = vm.SATPModeSV32 | 0x80400
	parent := adoptThread(tm, cpu)
	parent.Break = 0x9000_0000
	parent.FDs = []*FileDesc{nil, nil, nil, {Kind: FDFile, InodeID: 4, Offset: 16}}

	h, err := tm.Create(0x2000, 0xefff_f000)
	if err != nil {
		tt.Fatalf("create: %v", err)
	}

	child, ok := tm.Get(h)
	if !ok {
		tt.Fatal("child not registered")
	}

	if child.State != StateReady {
		tt.Errorf("state: want ready, got %s", child.State)
	}

	if child.Ctx.Mode != vm.ModeUser {
		tt.Errorf("mode: want user, got %s", child.Ctx.Mode)
	}

	if child.Ctx.SATP != parent.Ctx.SATP || child.Break != parent.Break {
		tt.Error("child did not inherit satp and break")
	}

	if child.Ctx.Regs[vm.RegSP] != 0xefff_f000 || child.Ctx.PC != 0x2000 {
		tt.Errorf("entry state: pc=%#x sp=%#x", child.Ctx.PC, child.Ctx.Regs[vm.RegSP])
	}

	// The descriptor table is a copy by value.
	child.FDs[3].Offset = 99

	if parent.FDs[3].Offset != 16 {
		tt.Error("descriptor table shared with parent")
	}

	if h == parent.Handle {
		tt.Error("handle reused")
	}
}

func TestYield(tt *testing.T) {
	tt.Parallel()

	tt.Run("round-robin-rotation", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		first := adoptThread(tm, cpu)

		second, err := tm.Create(0x2000, 0x3000)
		if err != nil {
			t.Fatal(err)
		}

		// First yields: second runs, first is ready at the back.
		if !tm.Yield(cpu) {
			t.Fatal("yield: nothing to run")
		}

		if tm.Current().Handle != second {
			t.Fatalf("current: want %s, got %s", second, tm.Current().Handle)
		}

		if cpu.PC != 0x2000 {
			t.Errorf("pc: want second's entry, got %#x", cpu.PC)
		}

		if first.State != StateReady {
			t.Errorf("first: want ready, got %s", first.State)
		}

		// Second yields back.
		if !tm.Yield(cpu) {
			t.Fatal("yield back: nothing to run")
		}

		if tm.Current() != first {
			t.Error("rotation did not return to the first thread")
		}

		if cpu.PC != 0x1000 {
			t.Errorf("restored pc: want 0x1000, got %#x", cpu.PC)
		}
	})

	tt.Run("sole-thread-keeps-running", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		only := adoptThread(tm, cpu)

		if !tm.Yield(cpu) {
			t.Fatal("sole runnable thread was not rescheduled")
		}

		if tm.Current() != only || only.State != StateRunning {
			t.Error("sole thread is not running after yield")
		}
	})

	tt.Run("halt-when-nothing-runnable", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		adoptThread(tm, cpu)

		tm.Exit(0)

		if tm.Yield(cpu) {
			t.Error("yield after the last exit should report halt")
		}
	})
}

func TestExitAndWait(tt *testing.T) {
	tt.Parallel()

	tt.Run("waiter-receives-exit-code", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		waiter := adoptThread(tm, cpu)

		target, err := tm.Create(0x2000, 0x3000)
		if err != nil {
			t.Fatal(err)
		}

		if _, done, err := tm.Wait(target); err != nil || done {
			t.Fatalf("wait: done=%t err=%v", done, err)
		}

		if waiter.State != StateWaiting || waiter.WaitTarget != target {
			t.Fatalf("waiter state: %s target %s", waiter.State, waiter.WaitTarget)
		}

		// Switch to the target and let it exit.
		if !tm.Yield(cpu) {
			t.Fatal("yield to target")
		}

		tm.Exit(42)

		if waiter.State != StateReady {
			t.Errorf("waiter: want ready after exit, got %s", waiter.State)
		}

		if waiter.Ctx.Regs[vm.RegA0] != 42 {
			t.Errorf("waiter a0: want 42, got %d", waiter.Ctx.Regs[vm.RegA0])
		}

		if tcb, _ := tm.Get(target); tcb.State != StateTerminated || tcb.ExitCode != 42 {
			t.Errorf("target: %s code %d", tcb.State, tcb.ExitCode)
		}
	})

	tt.Run("wait-on-terminated-returns-immediately", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		adoptThread(tm, cpu)

		target, _ := tm.Create(0x2000, 0x3000)

		tm.Yield(cpu) // Run the target.
		tm.Exit(7)
		tm.Yield(cpu) // Back to the first thread.

		code, done, err := tm.Wait(target)
		if err != nil || !done || code != 7 {
			t.Errorf("wait: code=%d done=%t err=%v", code, done, err)
		}
	})

	tt.Run("wait-on-unknown-fails", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		adoptThread(tm, cpu)

		if _, _, err := tm.Wait(99); err == nil {
			t.Error("wait on unknown handle succeeded")
		}
	})

	tt.Run("wait-on-self-fails", func(t *testing.T) {
		t.Parallel()

		tm := NewThreadManager()
		cpu := vm.NewCPU(0x1000)
		self := adoptThread(tm, cpu)

		if _, _, err := tm.Wait(self.Handle); err == nil {
			t.Error("wait on self succeeded")
		}
	})
}

func TestBlockWake(tt *testing.T) {
	tt.Parallel()

	tm := NewThreadManager()
	cpu := vm.NewCPU(0x1000)
	blocked := adoptThread(tm, cpu)

	other, _ := tm.Create(0x2000, 0x3000)

	tm.Block()

	if !tm.Yield(cpu) {
		tt.Fatal("yield after block")
	}

	if tm.Current().Handle != other {
		tt.Fatalf("current: want %s", other)
	}

	// A blocked thread is not rescheduled until woken.
	if !tm.Yield(cpu) || tm.Current().Handle != other {
		tt.Error("blocked thread ran without a wake")
	}

	tm.Wake(blocked.Handle)

	if blocked.State != StateReady {
		tt.Errorf("woken state: %s", blocked.State)
	}

	// Waking a non-blocked thread is a no-op.
	tm.Wake(other)

	if got := tm.Current().Handle; got != other {
		tt.Errorf("current changed by spurious wake: %s", got)
	}
}
