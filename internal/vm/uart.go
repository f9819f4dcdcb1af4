package vm

// uart.go emulates a serial console over the host's standard streams.

import (
	"fmt"
	"io"

	"github.com/freddiehaddad/ferrous/internal/log"
)

// UART register offsets, 16550-flavoured. RBR and THR share offset 0.
const (
	UARTRBR uint32 = 0x00 // Receiver buffer, read.
	UARTTHR uint32 = 0x00 // Transmitter holding, write.
	UARTLSR uint32 = 0x05 // Line status.
)

// Line status bits.
const (
	lsrDataReady uint32 = 1 << 0
	lsrTxEmpty   uint32 = 1 << 5
)

// UART is the console device. Writes to THR print a byte to the host output and flush.
// Reads from RBR return the next host input byte, blocking the interpreter until one
// arrives; a read after host EOF returns zero. A literal NUL in the input stream is
// indistinguishable from EOF.
type UART struct {
	out io.Writer
	rx  chan uint8

	staged    uint8
	hasStaged bool

	log *log.Logger
}

// NewUART creates a console bridging the host reader and writer. A goroutine drains the
// reader into the receive channel; the channel closes at host EOF.
func NewUART(in io.Reader, out io.Writer) *UART {
	u := &UART{
		out: out,
		rx:  make(chan uint8, 64),
		log: log.DefaultLogger(),
	}

	go func() {
		defer close(u.rx)

		buf := make([]byte, 1)

		for {
			n, err := in.Read(buf)
			if n > 0 {
				u.rx <- buf[0]
			}

			if err != nil {
				return
			}
		}
	}()

	return u
}

func (u *UART) Name() string { return "uart0" }

// ReadReg reads a UART register. RBR blocks until a byte is available or the input stream
// is closed; LSR reports whether a byte is staged without consuming it.
func (u *UART) ReadReg(offset uint32) (uint32, error) {
	switch offset {
	case UARTRBR:
		if u.hasStaged {
			u.hasStaged = false
			return uint32(u.staged), nil
		}

		b, ok := <-u.rx
		if !ok {
			return 0, nil // Host EOF.
		}

		return uint32(b), nil

	case UARTLSR:
		if !u.hasStaged {
			select {
			case b, ok := <-u.rx:
				if ok {
					u.staged = b
					u.hasStaged = true
				}
			default:
			}
		}

		status := lsrTxEmpty
		if u.hasStaged {
			status |= lsrDataReady
		}

		return status, nil

	default:
		return 0, nil
	}
}

// WriteReg writes a UART register. THR prints the low byte and flushes.
func (u *UART) WriteReg(offset uint32, val uint32) error {
	if offset != UARTTHR {
		return nil
	}

	if _, err := u.out.Write([]byte{uint8(val)}); err != nil {
		return fmt.Errorf("uart: write: %w", err)
	}

	if f, ok := u.out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}

	return nil
}

func (u *UART) Tick() {}
