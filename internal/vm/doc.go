/*
Package vm implements a machine that executes RV32I machine code.

The machine is a single hart driven by a host-side step loop. Each step fetches the word at
the virtual program counter, decodes it, and dispatches it against the CPU state and the
memory bus. An instruction counter injects a timer interrupt between instructions; that is
the only source of asynchrony in the whole system.

# CPU #

The CPU holds the architectural state and nothing else:

  - thirty-two general-purpose registers, with register zero hard-wired to zero
  - the program counter
  - the privilege mode: User, Supervisor or Machine
  - the paging control word, satp

Integer arithmetic wraps at 32 bits and shift amounts take the low five bits of the source,
as the base ISA requires.

# Memory #

Physical addresses at or above RAMBase reach a flat byte vector; addresses below it route to
the device whose range contains them. Devices expose 32-bit word registers and may have read
side effects, so the bus grants them exclusive access per call. Three devices exist: a UART
bridged to the host's standard streams, a block device backed by a sector-addressed host
file, and a packet interface bridged to a host UDP socket.

# Translation #

When paging is enabled, virtual addresses pass through a two-level SV32 walk over page
tables that live in guest RAM. Leaf entries carry permission bits checked against the access
type and the privilege mode; a leaf at the first level names a 4 MiB superpage. Multi-byte
accesses translate every byte with its own walk, so each byte of a load straddling a page
boundary resolves through the page that holds it.

# Traps #

Every fault-like condition is a [Trap] value: environment calls, page faults, illegal
instructions, the timer. The interpreter consumes none of them; it hands each one to the
[Handler] installed by the kernel and resumes wherever the handler says. The handler returns
[ErrHalt] to stop the machine cleanly.
*/
package vm
