package helpers

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SOCKSServer is a no-auth SOCKS5 CONNECT server for exercising upstream
// proxy support. Dial, when set, replaces the outbound dial so tests can
// redirect names that do not resolve.
type SOCKSServer struct {
	Addr string
	Dial func(network, address string) (net.Conn, error)

	connects atomic.Int64
	targets  chan string
}

// NewSOCKSServer starts a SOCKS5 server on a loopback port.
func NewSOCKSServer(t *testing.T, dial func(network, address string) (net.Conn, error)) *SOCKSServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &SOCKSServer{Addr: ln.Addr().String(), Dial: dial, targets: make(chan string, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(c)
		}
	}()
	return s
}

// Connects reports how many CONNECT requests succeeded.
func (s *SOCKSServer) Connects() int64 { return s.connects.Load() }

// NextTarget returns the next requested CONNECT target.
func (s *SOCKSServer) NextTarget(t *testing.T) string {
	t.Helper()
	select {
	case target := <-s.targets:
		return target
	case <-time.After(5 * time.Second):
		t.Fatalf("socks server saw no CONNECT")
		return ""
	}
}

func (s *SOCKSServer) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	br := bufio.NewReader(conn)

	// greeting: VER, NMETHODS, METHODS
	head := make([]byte, 2)
	if _, err := io.ReadFull(br, head); err != nil || head[0] != 0x05 {
		return
	}
	if _, err := io.CopyN(io.Discard, br, int64(head[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return
	}

	// request: VER, CMD, RSV, ATYP, DST.ADDR, DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil || req[0] != 0x05 {
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(br, addr); err != nil {
			return
		}
		host = net.IP(addr).String()
	case 0x03:
		l, err := br.ReadByte()
		if err != nil {
			return
		}
		name := make([]byte, int(l))
		if _, err := io.ReadFull(br, name); err != nil {
			return
		}
		host = string(name)
	case 0x04:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(br, addr); err != nil {
			return
		}
		host = net.IP(addr).String()
	default:
		return
	}
	var port uint16
	if err := binary.Read(br, binary.BigEndian, &port); err != nil {
		return
	}
	if req[1] != 0x01 {
		_ = writeReply(conn, 0x07) // command not supported
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dial := s.Dial
	if dial == nil {
		dial = net.Dial
	}
	upstream, err := dial("tcp", target)
	if err != nil {
		_ = writeReply(conn, 0x05) // connection refused
		return
	}
	defer upstream.Close()
	if err := writeReply(conn, 0x00); err != nil {
		return
	}
	s.connects.Add(1)
	select {
	case s.targets <- target:
	default:
	}
	_ = conn.SetDeadline(time.Time{})

	go func() {
		_, _ = io.Copy(upstream, br)
		_ = upstream.Close()
	}()
	_, _ = io.Copy(conn, upstream)
}

func writeReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}
