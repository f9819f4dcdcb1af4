package kernel

import (
	"bytes"
	"testing"
)

func TestFrameCodec(tt *testing.T) {
	tt.Parallel()

	tt.Run("roundtrip", func(t *testing.T) {
		t.Parallel()

		payload := []byte("datagram payload")
		frame := buildFrame(4444, 5555, [4]byte{127, 0, 0, 1}, payload)

		dstPort, pkt, ok := parseFrame(frame)
		if !ok {
			t.Fatal("frame did not parse")
		}

		if dstPort != 5555 || pkt.SrcPort != 4444 {
			t.Errorf("ports: dst=%d src=%d", dstPort, pkt.SrcPort)
		}

		if pkt.SrcIP != guestIP {
			t.Errorf("src ip: %v", pkt.SrcIP)
		}

		if !bytes.Equal(pkt.Payload, payload) {
			t.Errorf("payload: %q", pkt.Payload)
		}
	})

	tt.Run("checksum-validates", func(t *testing.T) {
		t.Parallel()

		frame := buildFrame(1, 2, [4]byte{10, 0, 0, 1}, []byte("x"))

		// Summing an IPv4 header including its checksum field yields all ones.
		ip := frame[ethHeaderLen : ethHeaderLen+ipv4HeaderLen]

		var sum uint32
		for i := 0; i < len(ip); i += 2 {
			sum += uint32(ip[i])<<8 | uint32(ip[i+1])
		}

		for sum>>16 != 0 {
			sum = sum&0xffff + sum>>16
		}

		if sum != 0xffff {
			t.Errorf("header checksum: sum %#x", sum)
		}
	})

	tt.Run("non-udp-rejected", func(t *testing.T) {
		t.Parallel()

		frame := buildFrame(1, 2, [4]byte{10, 0, 0, 1}, []byte("x"))
		frame[ethHeaderLen+9] = 6 // TCP.

		if _, _, ok := parseFrame(frame); ok {
			t.Error("parsed a non-UDP frame")
		}
	})

	tt.Run("non-ipv4-rejected", func(t *testing.T) {
		t.Parallel()

		frame := buildFrame(1, 2, [4]byte{10, 0, 0, 1}, []byte("x"))
		frame[12], frame[13] = 0x86, 0xdd // IPv6 ethertype.

		if _, _, ok := parseFrame(frame); ok {
			t.Error("parsed a non-IPv4 frame")
		}
	})

	tt.Run("runt-rejected", func(t *testing.T) {
		t.Parallel()

		if _, _, ok := parseFrame(make([]byte, 20)); ok {
			t.Error("parsed a runt frame")
		}
	})
}

func TestSocketTable(tt *testing.T) {
	tt.Parallel()

	st := NewSocketTable()

	id1 := st.Create()
	id2 := st.Create()

	if id1 == id2 {
		tt.Fatal("socket ids collide")
	}

	if !st.Bind(id1, 7777) {
		tt.Fatal("bind")
	}

	if st.Bind(99, 1) {
		tt.Error("bound an unknown socket")
	}

	s, ok := st.Get(id1)
	if !ok || s.LocalPort != 7777 {
		tt.Errorf("socket: %+v ok=%t", s, ok)
	}
}
