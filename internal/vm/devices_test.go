package vm

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUART(tt *testing.T) {
	tt.Parallel()

	tt.Run("transmit", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		u := NewUART(strings.NewReader(""), &out)

		for _, b := range []byte("ok\n") {
			if err := u.WriteReg(UARTTHR, uint32(b)); err != nil {
				t.Fatalf("thr: %v", err)
			}
		}

		if got := out.String(); got != "ok\n" {
			t.Errorf("output: want %q, got %q", "ok\n", got)
		}
	})

	tt.Run("receive", func(t *testing.T) {
		t.Parallel()

		u := NewUART(strings.NewReader("hi"), &bytes.Buffer{})

		for _, want := range []uint32{'h', 'i'} {
			got, err := u.ReadReg(UARTRBR)
			if err != nil || got != want {
				t.Errorf("rbr: want %q, got %q (%v)", want, got, err)
			}
		}

		// After EOF every read returns zero.
		if got, _ := u.ReadReg(UARTRBR); got != 0 {
			t.Errorf("rbr after eof: want 0, got %q", got)
		}
	})

	tt.Run("line-status", func(t *testing.T) {
		t.Parallel()

		u := NewUART(strings.NewReader("x"), &bytes.Buffer{})

		// The reader goroutine needs a moment to stage the byte.
		deadline := time.Now().Add(time.Second)

		for {
			lsr, err := u.ReadReg(UARTLSR)
			if err != nil {
				t.Fatalf("lsr: %v", err)
			}

			if lsr&(1<<5) == 0 {
				t.Fatal("lsr: transmitter-empty bit must always be set")
			}

			if lsr&1 != 0 {
				break
			}

			if time.Now().After(deadline) {
				t.Fatal("lsr: data-ready never set")
			}
		}

		// The staged byte is consumed by RBR, after which the line is idle.
		if got, _ := u.ReadReg(UARTRBR); got != 'x' {
			t.Errorf("rbr: want 'x', got %q", got)
		}

		if lsr, _ := u.ReadReg(UARTLSR); lsr&1 != 0 {
			t.Error("lsr: data-ready still set after consuming the byte")
		}
	})
}

func TestBlockDevice(tt *testing.T) {
	tt.Parallel()

	newDevice := func(t *testing.T) *BlockDevice {
		t.Helper()

		path := filepath.Join(t.TempDir(), "disk.img")
		if err := os.WriteFile(path, make([]byte, 8*SectorSize), 0o644); err != nil {
			t.Fatal(err)
		}

		dev, err := OpenBlockDevice(path)
		if err != nil {
			t.Fatal(err)
		}

		t.Cleanup(func() { dev.Close() })

		return dev
	}

	writeSector := func(t *testing.T, dev *BlockDevice, sector uint32, pattern byte) {
		t.Helper()

		for i := uint32(0); i < SectorSize; i += 4 {
			word := uint32(pattern) | uint32(pattern)<<8 | uint32(pattern)<<16 | uint32(pattern)<<24
			if err := dev.WriteReg(BlockBufferOffset+i, word); err != nil {
				t.Fatal(err)
			}
		}

		if err := dev.WriteReg(BlockSector, sector); err != nil {
			t.Fatal(err)
		}

		if err := dev.WriteReg(BlockCommand, BlockCmdWrite); err != nil {
			t.Fatal(err)
		}
	}

	tt.Run("write-then-read", func(t *testing.T) {
		t.Parallel()

		dev := newDevice(t)
		writeSector(t, dev, 3, 0xa5)

		// Clobber the buffer, then read the sector back through the window.
		writeSector(t, dev, 4, 0x00)

		if err := dev.WriteReg(BlockSector, 3); err != nil {
			t.Fatal(err)
		}

		if err := dev.WriteReg(BlockCommand, BlockCmdRead); err != nil {
			t.Fatal(err)
		}

		word, err := dev.ReadReg(BlockBufferOffset + 128)
		if err != nil || word != 0xa5a5_a5a5 {
			t.Errorf("window: want 0xa5a5a5a5, got %#x (%v)", word, err)
		}
	})

	tt.Run("sector-register-reads-back", func(t *testing.T) {
		t.Parallel()

		dev := newDevice(t)

		if err := dev.WriteReg(BlockSector, 7); err != nil {
			t.Fatal(err)
		}

		if got, _ := dev.ReadReg(BlockSector); got != 7 {
			t.Errorf("sector: want 7, got %d", got)
		}
	})
}

func TestNetDevice(tt *testing.T) {
	tt.Parallel()

	tt.Run("send-and-receive", func(t *testing.T) {
		t.Parallel()

		peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatal(err)
		}
		defer peer.Close()

		dev, err := OpenNetDevice("127.0.0.1:0", peer.LocalAddr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer dev.Close()

		// Transmit through the window.
		payload := []byte("ping")
		for i := 0; i < len(payload); i += 4 {
			var word uint32
			for j := 0; j < 4 && i+j < len(payload); j++ {
				word |= uint32(payload[i+j]) << (j * 8)
			}

			if err := dev.WriteReg(NetBufferOffset+uint32(i), word); err != nil {
				t.Fatal(err)
			}
		}

		if err := dev.WriteReg(NetLength, uint32(len(payload))); err != nil {
			t.Fatal(err)
		}

		if err := dev.WriteReg(NetCommand, NetCmdSend); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 64)
		_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))

		n, from, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("peer read: %v", err)
		}

		if string(buf[:n]) != "ping" {
			t.Errorf("peer got %q", buf[:n])
		}

		// Reply and wait for the device to stage it.
		if _, err := peer.WriteToUDP([]byte("pong"), from); err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(5 * time.Second)

		for {
			status, _ := dev.ReadReg(NetStatus)
			if status == 1 {
				break
			}

			if time.Now().After(deadline) {
				t.Fatal("rx packet never staged")
			}

			time.Sleep(time.Millisecond)
		}

		if length, _ := dev.ReadReg(NetLength); length != 4 {
			t.Errorf("rx length: want 4, got %d", length)
		}

		word, _ := dev.ReadReg(NetBufferOffset)
		got := []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}

		if string(got) != "pong" {
			t.Errorf("rx: want %q, got %q", "pong", got)
		}

		// Acknowledge clears the staging buffer.
		if err := dev.WriteReg(NetCommand, NetCmdAck); err != nil {
			t.Fatal(err)
		}

		if status, _ := dev.ReadReg(NetStatus); status != 0 {
			t.Error("status: still ready after ack")
		}
	})

	tt.Run("mac-registers", func(t *testing.T) {
		t.Parallel()

		dev, err := OpenNetDevice("127.0.0.1:0", "")
		if err != nil {
			t.Fatal(err)
		}
		defer dev.Close()

		low, _ := dev.ReadReg(NetMACLow)
		high, _ := dev.ReadReg(NetMACHigh)

		if low != 0x1200_5452 || high != 0x0000_5634 {
			t.Errorf("mac: got %#x %#x", low, high)
		}
	})
}
