package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other := <-accepted
	require.NotNil(t, other)
	t.Cleanup(func() { dialed.Close(); other.Close() })
	return dialed.(*net.TCPConn), other.(*net.TCPConn)
}

type result struct {
	stats Stats
	err   error
}

func runPipe(ctx context.Context, a, b net.Conn, opts Options) <-chan result {
	ch := make(chan result, 1)
	go func() {
		s, err := Pipe(ctx, a, b, opts)
		ch <- result{s, err}
	}()
	return ch
}

func TestPipeHalfCloseBothWays(t *testing.T) {
	client, inbound := tcpPair(t)
	outbound, origin := tcpPair(t)

	done := runPipe(context.Background(), inbound, outbound, Options{})

	_, err := client.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	got, err := io.ReadAll(origin)
	require.NoError(t, err)
	assert.Equal(t, "request", string(got), "origin sees request then EOF")

	_, err = origin.Write([]byte("response after half-close"))
	require.NoError(t, err)
	require.NoError(t, origin.CloseWrite())

	got, err = io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "response after half-close", string(got))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, int64(len("request")), r.stats.AToB)
		assert.Equal(t, int64(len("response after half-close")), r.stats.BToA)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestPipeLargeTransferIsByteExact(t *testing.T) {
	client, inbound := tcpPair(t)
	outbound, origin := tcpPair(t)
	done := runPipe(context.Background(), inbound, outbound, Options{BufferSize: 4096})

	payload := make([]byte, 1<<20)
	_, _ = rand.Read(payload)
	go func() {
		_, _ = client.Write(payload)
		_ = client.CloseWrite()
	}()

	got, err := io.ReadAll(origin)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	_ = origin.Close()

	select {
	case r := <-done:
		assert.Equal(t, int64(len(payload)), r.stats.AToB)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestPipeIdleTimeout(t *testing.T) {
	_, inbound := tcpPair(t)
	outbound, _ := tcpPair(t)

	done := runPipe(context.Background(), inbound, outbound, Options{IdleTimeout: 100 * time.Millisecond})
	select {
	case r := <-done:
		var re *RelayError
		require.True(t, errors.As(r.err, &re), "got %v", r.err)
		assert.ErrorIs(t, r.err, ErrIdleTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("idle relay was not closed")
	}
}

func TestPipeIdleTimeoutSparedByOtherDirection(t *testing.T) {
	client, inbound := tcpPair(t)
	outbound, origin := tcpPair(t)

	done := runPipe(context.Background(), inbound, outbound, Options{IdleTimeout: 300 * time.Millisecond})

	// origin streams for longer than the idle timeout; client stays silent
	go func() {
		for i := 0; i < 8; i++ {
			_, _ = origin.Write([]byte("tick"))
			time.Sleep(100 * time.Millisecond)
		}
		_ = origin.CloseWrite()
	}()
	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, 32, len(got))
	_ = client.CloseWrite()

	select {
	case r := <-done:
		assert.NoError(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestPipeContextCancel(t *testing.T) {
	_, inbound := tcpPair(t)
	outbound, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runPipe(ctx, inbound, outbound, Options{})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop relay")
	}
}

func TestPipeWithoutHalfCloseSupport(t *testing.T) {
	client, inbound := net.Pipe()
	outbound, origin := net.Pipe()
	done := runPipe(context.Background(), inbound, outbound, Options{})

	go func() {
		_, _ = client.Write([]byte("ping"))
		_ = client.Close()
	}()
	got, err := io.ReadAll(origin)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	select {
	case r := <-done:
		assert.NoError(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestPipeCloseOnEOFEndsBothSides(t *testing.T) {
	client, inbound := tcpPair(t)
	outbound, origin := tcpPair(t)
	done := runPipe(context.Background(), inbound, outbound, Options{CloseOnEOF: true, IdleTimeout: time.Minute})

	_, err := origin.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, origin.Close())

	// the client never closes its side
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, int64(len("last words")), r.stats.BToA)
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept the client leg open after the origin closed")
	}
}
