package sni

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"os"
)

// Conn wraps an accepted connection so the first TLS record can be
// inspected and then replayed to whoever reads next (a TLS server or a raw
// relay).
type Conn struct {
	net.Conn
	r *bufio.Reader

	peeked bool
	hello  *ClientHello
	err    error
	// staleTimeout is set when the peek hit the read deadline; bufio
	// hands that error back once more after the buffered bytes.
	staleTimeout bool
}

// NewConn wraps c. The buffer holds one maximum-size record.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, r: bufio.NewReaderSize(c, recordHeaderLen+MaxRecordLen)}
}

// Read returns buffered (peeked) bytes first, then reads from the network.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n == 0 && c.staleTimeout && errors.Is(err, os.ErrDeadlineExceeded) {
		c.staleTimeout = false
		return c.r.Read(p)
	}
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.Conn }

// Buffered reports how many peeked bytes are waiting to be replayed.
func (c *Conn) Buffered() int { return c.r.Buffered() }

// PeekClientHello reads, without consuming, the first record and parses it.
// The read honours any deadline already set on the connection. The result
// is memoized.
func (c *Conn) PeekClientHello() (*ClientHello, error) {
	if c.peeked {
		return c.hello, c.err
	}
	c.peeked = true
	c.hello, c.err = c.peek()
	c.staleTimeout = errors.Is(c.err, os.ErrDeadlineExceeded)
	return c.hello, c.err
}

func (c *Conn) peek() (*ClientHello, error) {
	hdr, err := c.r.Peek(recordHeaderLen)
	if err != nil {
		return nil, err
	}
	if hdr[0] != recordTypeHandshake {
		return nil, parseErr("record type %d is not handshake", hdr[0])
	}
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	if n == 0 || n > MaxRecordLen {
		return nil, parseErr("record length %d out of range", n)
	}
	record, err := c.r.Peek(recordHeaderLen + n)
	if err != nil {
		return nil, err
	}
	return ParseClientHello(record)
}

// PeekServerName returns the client's SNI. ok is false for non-TLS input,
// a truncated or malformed record, or a hello without server_name. It never
// consumes bytes.
func (c *Conn) PeekServerName() (name string, ok bool) {
	hello, err := c.PeekClientHello()
	if err != nil || hello == nil || hello.ServerName == "" {
		return "", false
	}
	return hello.ServerName, true
}
