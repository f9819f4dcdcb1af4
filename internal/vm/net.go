package vm

// net.go emulates a packet interface bridged to a host UDP socket.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/freddiehaddad/ferrous/internal/log"
)

// NetBufferSize is the size of the TX and RX packet windows.
const NetBufferSize = 2048

// Network device register offsets. The packet window starts at NetBufferOffset; reads see
// the staged RX packet, writes fill the TX packet.
const (
	NetStatus       uint32 = 0x00
	NetCommand      uint32 = 0x04
	NetLength       uint32 = 0x08
	NetMACLow       uint32 = 0x10
	NetMACHigh      uint32 = 0x14
	NetBufferOffset uint32 = 0x100
)

// Network device commands.
const (
	NetCmdSend uint32 = 1
	NetCmdAck  uint32 = 2
)

// ErrNetDevice wraps host socket failures of the network device.
var ErrNetDevice = errors.New("net device")

// NetDevice bridges guest packets through a host UDP socket. One received datagram is
// staged in the RX buffer at a time; the guest acknowledges it with command 2 to receive
// the next. The socket is drained by a goroutine so the interpreter never blocks on it.
type NetDevice struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	rxCh   chan []byte

	rxBuf     [NetBufferSize]byte
	txBuf     [NetBufferSize]byte
	rxLen     uint32
	txLen     uint32
	dataReady bool
	mac       [6]byte

	log *log.Logger
}

// OpenNetDevice binds a UDP socket on listenAddr. If remoteAddr is non-empty every transmitted
// datagram goes there; without it the socket is unconnected, so transmits fail and are logged.
func OpenNetDevice(listenAddr, remoteAddr string) (*NetDevice, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetDevice, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetDevice, err)
	}

	d := &NetDevice{
		conn: conn,
		rxCh: make(chan []byte, 16),
		mac:  [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		log:  log.DefaultLogger(),
	}

	if remoteAddr != "" {
		d.remote, err = net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrNetDevice, err)
		}
	}

	go d.drainSocket()

	return d, nil
}

func (d *NetDevice) drainSocket() {
	buf := make([]byte, NetBufferSize)

	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case d.rxCh <- pkt:
		default:
			d.log.Warn("rx overrun, packet dropped", "len", n)
		}
	}
}

func (d *NetDevice) Name() string { return "net0" }

// Close shuts down the host socket.
func (d *NetDevice) Close() error {
	return d.conn.Close()
}

// Tick stages one received packet into the RX buffer if it is empty.
func (d *NetDevice) Tick() {
	if d.dataReady {
		return
	}

	select {
	case pkt := <-d.rxCh:
		n := copy(d.rxBuf[:], pkt)
		d.rxLen = uint32(n)
		d.dataReady = true
	default:
	}
}

// ReadReg reads a register or a word of the RX packet window.
func (d *NetDevice) ReadReg(offset uint32) (uint32, error) {
	d.Tick()

	if offset >= NetBufferOffset && offset < NetBufferOffset+NetBufferSize {
		idx := offset - NetBufferOffset
		if idx+4 > NetBufferSize {
			return 0, nil
		}

		return binary.LittleEndian.Uint32(d.rxBuf[idx:]), nil
	}

	switch offset {
	case NetStatus:
		if d.dataReady {
			return 1, nil
		}

		return 0, nil

	case NetLength:
		return d.rxLen, nil

	case NetMACLow:
		return binary.LittleEndian.Uint32(d.mac[0:4]), nil

	case NetMACHigh:
		return uint32(d.mac[4]) | uint32(d.mac[5])<<8, nil

	default:
		return 0, nil
	}
}

// WriteReg writes a register or a word of the TX packet window.
func (d *NetDevice) WriteReg(offset uint32, val uint32) error {
	if offset >= NetBufferOffset && offset < NetBufferOffset+NetBufferSize {
		idx := offset - NetBufferOffset
		if idx+4 > NetBufferSize {
			return nil
		}

		binary.LittleEndian.PutUint32(d.txBuf[idx:], val)

		return nil
	}

	switch offset {
	case NetCommand:
		switch val {
		case NetCmdSend:
			return d.send()
		case NetCmdAck:
			d.dataReady = false
			d.rxLen = 0
		}

		return nil

	case NetLength:
		d.txLen = val
		return nil

	default:
		return nil
	}
}

func (d *NetDevice) send() error {
	n := d.txLen
	if n == 0 || n > NetBufferSize {
		return nil
	}

	var err error
	if d.remote != nil {
		_, err = d.conn.WriteToUDP(d.txBuf[:n], d.remote)
	} else {
		_, err = d.conn.Write(d.txBuf[:n])
	}

	if err != nil {
		d.log.Warn("tx failed", "err", err)
	}

	return nil
}
