package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// originalDestination reads the pre-DNAT destination recorded by netfilter
// for a transparently redirected connection.
func originalDestination(c net.Conn) (string, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return "", errors.New("original destination: not a socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return "", err
	}
	var (
		addr   netip.AddrPort
		optErr error
	)
	ipv6 := false
	if ta, ok := c.LocalAddr().(*net.TCPAddr); ok && ta.IP.To4() == nil {
		ipv6 = true
	}
	err = raw.Control(func(fd uintptr) {
		if ipv6 {
			// IP6T_SO_ORIGINAL_DST has the same value at the IPv6 level
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, unix.SO_ORIGINAL_DST)
			if err != nil {
				optErr = err
				return
			}
			addr = netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr), networkPort(info.Addr.Port))
			return
		}
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			optErr = err
			return
		}
		// sockaddr_in: family(2) port(2) addr(4)
		b := mreq.Multiaddr
		ip := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
		addr = netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[2:4]))
	})
	if err != nil {
		return "", err
	}
	if optErr != nil {
		return "", fmt.Errorf("original destination: %w", optErr)
	}
	return addr.String(), nil
}

// networkPort converts a port stored in network byte order.
func networkPort(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}
