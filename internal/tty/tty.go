// Package tty prepares the host terminal for serial-console emulation. Raw mode delivers
// keystrokes to the UART byte by byte instead of line by line; VMIN/VTIME are set so reads
// block for a single byte.
package tty

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console holds the saved terminal state for restoration at exit.
type Console struct {
	fd    int
	state *term.State
}

// Open puts the terminal behind f into raw mode. Callers must call Restore before the
// process exits, or the user's shell is left in raw mode.
func Open(f *os.File) (*Console, error) {
	fd := int(f.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := &Console{fd: fd, state: saved}

	if err := cons.setReadParams(1, 0); err != nil {
		cons.Restore()
		return nil, err
	}

	return cons, nil
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.state)
}

// setReadParams configures the byte count and timeout that satisfy a terminal read.
func (c *Console) setReadParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	return nil
}
