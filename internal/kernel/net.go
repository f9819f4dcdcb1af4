package kernel

// net.go carries UDP datagrams between guest sockets and the network device. Packets on
// the wire are Ethernet II frames holding IPv4/UDP; the kernel builds them on send and
// demultiplexes them by destination port on receive.

import (
	"encoding/binary"

	"github.com/freddiehaddad/ferrous/internal/vm"
)

// Frame geometry.
const (
	ethHeaderLen  = 14
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	etherTypeIPv4 = 0x0800
	protoUDP      = 17

	maxFrameLen = vm.NetBufferSize
)

// guestIP is the address guest sockets source packets from.
var guestIP = [4]byte{10, 0, 2, 15}

// hostMAC is the destination of every guest frame; the UDP bridge does not switch.
var hostMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// guestMAC is the source address of guest frames.
var guestMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}

// RxPacket is one received datagram queued on a socket.
type RxPacket struct {
	Payload []byte
	SrcIP   [4]byte
	SrcPort uint16
}

// Socket is a guest UDP endpoint: a local port (zero until bound) and a receive queue.
type Socket struct {
	LocalPort uint16
	RxQueue   []RxPacket
}

// SocketTable owns every socket by id.
type SocketTable struct {
	sockets map[uint32]*Socket
	nextID  uint32
}

// NewSocketTable creates an empty table.
func NewSocketTable() *SocketTable {
	return &SocketTable{
		sockets: make(map[uint32]*Socket),
		nextID:  1,
	}
}

// Create allocates a socket and returns its id.
func (st *SocketTable) Create() uint32 {
	id := st.nextID
	st.nextID++
	st.sockets[id] = &Socket{}

	return id
}

// Bind assigns a local port.
func (st *SocketTable) Bind(id uint32, port uint16) bool {
	s, ok := st.sockets[id]
	if !ok {
		return false
	}

	s.LocalPort = port

	return true
}

// Get looks up a socket.
func (st *SocketTable) Get(id uint32) (*Socket, bool) {
	s, ok := st.sockets[id]
	return s, ok
}

// sockAddrIn mirrors the guest's 16-byte socket address: family, big-endian port,
// big-endian IPv4 address, then padding.
type sockAddrIn struct {
	Family uint16
	Port   uint16  // Network byte order.
	Addr   [4]byte // Network byte order.
}

const sockAddrInLen = 16

func decodeSockAddr(buf []byte) (sockAddrIn, bool) {
	if len(buf) < sockAddrInLen {
		return sockAddrIn{}, false
	}

	var sa sockAddrIn
	sa.Family = binary.LittleEndian.Uint16(buf[0:])
	sa.Port = binary.BigEndian.Uint16(buf[2:])
	copy(sa.Addr[:], buf[4:8])

	return sa, true
}

func encodeSockAddr(sa sockAddrIn) []byte {
	buf := make([]byte, sockAddrInLen)
	binary.LittleEndian.PutUint16(buf[0:], sa.Family)
	binary.BigEndian.PutUint16(buf[2:], sa.Port)
	copy(buf[4:8], sa.Addr[:])

	return buf
}

// ipv4Checksum computes the ones-complement header checksum.
func ipv4Checksum(header []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i:]))
	}

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}

	return ^uint16(sum)
}

// buildFrame wraps payload in Ethernet II + IPv4 + UDP headers.
func buildFrame(srcPort, dstPort uint16, dstIP [4]byte, payload []byte) []byte {
	frame := make([]byte, ethHeaderLen+ipv4HeaderLen+udpHeaderLen+len(payload))

	copy(frame[0:6], hostMAC[:])
	copy(frame[6:12], guestMAC[:])
	binary.BigEndian.PutUint16(frame[12:], etherTypeIPv4)

	ip := frame[ethHeaderLen : ethHeaderLen+ipv4HeaderLen]
	ip[0] = 0x45 // Version 4, 20-byte header.
	binary.BigEndian.PutUint16(ip[2:], uint16(ipv4HeaderLen+udpHeaderLen+len(payload)))
	ip[8] = 64 // TTL
	ip[9] = protoUDP
	copy(ip[12:16], guestIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:], ipv4Checksum(ip))

	udp := frame[ethHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpHeaderLen+len(payload)))

	copy(udp[udpHeaderLen:], payload)

	return frame
}

// parseFrame extracts the UDP datagram from an Ethernet II frame, or reports false for
// anything that is not IPv4/UDP.
func parseFrame(frame []byte) (dstPort uint16, pkt RxPacket, ok bool) {
	if len(frame) < ethHeaderLen+ipv4HeaderLen+udpHeaderLen {
		return 0, RxPacket{}, false
	}

	if binary.BigEndian.Uint16(frame[12:]) != etherTypeIPv4 {
		return 0, RxPacket{}, false
	}

	ip := frame[ethHeaderLen:]
	if ip[9] != protoUDP {
		return 0, RxPacket{}, false
	}

	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(ip) < ihl+udpHeaderLen {
		return 0, RxPacket{}, false
	}

	udp := ip[ihl:]
	dstPort = binary.BigEndian.Uint16(udp[2:])
	pkt.SrcPort = binary.BigEndian.Uint16(udp[0:])
	copy(pkt.SrcIP[:], ip[12:16])
	pkt.Payload = append([]byte(nil), udp[udpHeaderLen:]...)

	return dstPort, pkt, true
}

// netPoll reports the length of a staged RX packet, if any.
func netPoll(mem vm.Memory) (uint32, bool) {
	status, err := mem.ReadWord(vm.PhysAddr(vm.NetBase + vm.NetStatus))
	if err != nil || status != 1 {
		return 0, false
	}

	length, err := mem.ReadWord(vm.PhysAddr(vm.NetBase + vm.NetLength))
	if err != nil {
		return 0, false
	}

	return length, true
}

// netReadPacket copies the staged RX packet out of the device window and acknowledges it.
func netReadPacket(mem vm.Memory, buf []byte) int {
	length, ok := netPoll(mem)
	if !ok {
		return 0
	}

	n := int(length)
	if n > len(buf) {
		n = len(buf)
	}

	for i := 0; i < n; i += 4 {
		word, err := mem.ReadWord(vm.PhysAddr(vm.NetBase + vm.NetBufferOffset + uint32(i)))
		if err != nil {
			break
		}

		for j := 0; j < 4 && i+j < n; j++ {
			buf[i+j] = byte(word >> (j * 8))
		}
	}

	_ = mem.WriteWord(vm.PhysAddr(vm.NetBase+vm.NetCommand), vm.NetCmdAck)

	return n
}

// netSendPacket pushes a frame through the device TX window.
func netSendPacket(mem vm.Memory, frame []byte) {
	if len(frame) > maxFrameLen {
		return
	}

	_ = mem.WriteWord(vm.PhysAddr(vm.NetBase+vm.NetLength), uint32(len(frame)))

	for i := 0; i < len(frame); i += 4 {
		var word uint32

		for j := 0; j < 4 && i+j < len(frame); j++ {
			word |= uint32(frame[i+j]) << (j * 8)
		}

		_ = mem.WriteWord(vm.PhysAddr(vm.NetBase+vm.NetBufferOffset+uint32(i)), word)
	}

	_ = mem.WriteWord(vm.PhysAddr(vm.NetBase+vm.NetCommand), vm.NetCmdSend)
}

// processRx drains staged packets from the device into the matching socket queues.
// Packets with no bound socket are dropped.
func (k *Kernel) processRx(mem vm.Memory) {
	buf := make([]byte, maxFrameLen)

	for {
		n := netReadPacket(mem, buf)
		if n == 0 {
			return
		}

		dstPort, pkt, ok := parseFrame(buf[:n])
		if !ok {
			continue
		}

		matched := false

		for _, s := range k.sockets.sockets {
			if s.LocalPort == dstPort {
				s.RxQueue = append(s.RxQueue, pkt)
				matched = true

				break
			}
		}

		if !matched {
			k.log.Debug("no socket for packet", "port", dstPort)
		}
	}
}
