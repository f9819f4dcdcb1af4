// cmd/udpecho is a test harness for the network device: it echoes every UDP datagram back
// to its sender.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:9000", "UDP `address` to listen on")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, "udpecho:", err)
		os.Exit(1)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "udpecho:", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("udpecho: listening on", conn.LocalAddr())

	buf := make([]byte, 2048)

	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			fmt.Fprintln(os.Stderr, "udpecho:", err)
			os.Exit(1)
		}

		fmt.Printf("udpecho: %d bytes from %s\n", n, peer)

		if _, err := conn.WriteToUDP(buf[:n], peer); err != nil {
			fmt.Fprintln(os.Stderr, "udpecho:", err)
		}
	}
}
