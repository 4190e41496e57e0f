package sni

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureHello runs a real crypto/tls client against a pipe and returns the
// first record it writes.
func captureHello(t *testing.T, cfg *tls.Config) []byte {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		_ = tls.Client(client, cfg).Handshake()
	}()
	defer client.Close()
	defer server.Close()

	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, recordHeaderLen)
	_, err := io.ReadFull(server, hdr)
	require.NoError(t, err, "read record header")
	body := make([]byte, binary.BigEndian.Uint16(hdr[3:5]))
	_, err = io.ReadFull(server, body)
	require.NoError(t, err, "read record body")
	return append(hdr, body...)
}

func TestParseClientHelloFromStdlibClient(t *testing.T) {
	rec := captureHello(t, &tls.Config{
		ServerName: "Wikipedia.org",
		NextProtos: []string{"h2", "http/1.1"},
	})
	hello, err := ParseClientHello(rec)
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia.org", hello.ServerName)
	assert.Equal(t, []string{"h2", "http/1.1"}, hello.ALPN)
	assert.Equal(t, uint16(tls.VersionTLS12), hello.Version)
}

func TestParseClientHelloWithoutSNI(t *testing.T) {
	rec := captureHello(t, &tls.Config{InsecureSkipVerify: true})
	hello, err := ParseClientHello(rec)
	require.NoError(t, err)
	assert.Empty(t, hello.ServerName)
}

func TestParseClientHelloTruncatedNeverPanics(t *testing.T) {
	rec := captureHello(t, &tls.Config{ServerName: "example.com"})
	for i := 0; i < len(rec); i++ {
		_, err := ParseClientHello(rec[:i])
		require.Error(t, err, "prefix of %d bytes should not parse", i)
		var pe *ParseError
		require.True(t, errors.As(err, &pe), "prefix %d: %T", i, err)
	}
}

func TestParseClientHelloRejectsNonHandshake(t *testing.T) {
	cases := map[string][]byte{
		"http":         []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		"alert":        {21, 3, 3, 0, 2, 2, 40},
		"server-hello": {22, 3, 3, 0, 4, 2, 0, 0, 0},
		"empty":        nil,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientHello(in)
			assert.Error(t, err)
		})
	}
}

func pipeWith(t *testing.T, data []byte, closeAfter bool) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		_, _ = client.Write(data)
		if closeAfter {
			_ = client.Close()
		}
	}()
	return NewConn(server)
}

func TestConnPeekThenReplay(t *testing.T) {
	rec := captureHello(t, &tls.Config{ServerName: "pixiv.net"})
	payload := append(append([]byte{}, rec...), []byte("trailing application bytes")...)

	c := pipeWith(t, payload, true)
	name, ok := c.PeekServerName()
	require.True(t, ok)
	assert.Equal(t, "pixiv.net", name)

	// memoized
	name2, ok2 := c.PeekServerName()
	assert.Equal(t, name, name2)
	assert.Equal(t, ok, ok2)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "replayed bytes must be identical")
}

func TestConnPeekNonTLSReplays(t *testing.T) {
	data := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	c := pipeWith(t, data, true)
	_, ok := c.PeekServerName()
	assert.False(t, ok)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestConnPeekTruncatedRecord(t *testing.T) {
	// header announces 100 bytes; only 10 arrive before EOF
	data := append([]byte{22, 3, 1, 0, 100}, make([]byte, 10)...)
	c := pipeWith(t, data, true)
	_, ok := c.PeekServerName()
	assert.False(t, ok)
	_, err := c.PeekClientHello()
	assert.Error(t, err)
}

func TestConnPeekHonoursDeadline(t *testing.T) {
	c := pipeWith(t, []byte{22, 3, 1}, false)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	start := time.Now()
	_, ok := c.PeekServerName()
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnCloseWriteUnsupportedOnPipe(t *testing.T) {
	c := pipeWith(t, nil, false)
	assert.ErrorIs(t, c.CloseWrite(), errors.ErrUnsupported)
}

func FuzzParseClientHello(f *testing.F) {
	f.Add([]byte{22, 3, 1, 0, 0})
	f.Add([]byte("GET / HTTP/1.1\r\n\r\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		hello, err := ParseClientHello(data)
		if err == nil && hello == nil {
			t.Fatal("nil hello without error")
		}
	})
}
