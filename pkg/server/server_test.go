package server

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	})
}

func TestServerServesConnections(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0", Handler: echoHandler()}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", s.ListenAddr())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if _, err := conn.Write([]byte("ping")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.(*net.TCPConn).CloseWrite()
		got, err := io.ReadAll(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "ping" {
			t.Fatalf("got %q, want ping", got)
		}
		conn.Close()
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	s := &Server{Addr: "127.0.0.1:0", Handler: HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		<-release
		finished.Store(true)
	})}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitActive(t, s, 1)

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("shutdown returned before the handler finished")
	}
	if _, err := net.DialTimeout("tcp", s.ListenAddr(), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestShutdownForceClosesAfterGrace(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0", Handler: HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		// blocks until the connection is closed under it
		_, _ = io.Copy(io.Discard, conn)
	})}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitActive(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != context.DeadlineExceeded {
		t.Fatalf("shutdown err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("force close took too long")
	}
	if n := s.Active(); n != 0 {
		t.Fatalf("active = %d after forced shutdown", n)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	var calls atomic.Int32
	s := &Server{Addr: "127.0.0.1:0", Handler: HandlerFunc(func(ctx context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("ok"))
	})}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown(context.Background())

	first, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = io.ReadAll(first)
	first.Close()

	second, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("dial after panic: %v", err)
	}
	defer second.Close()
	got, _ := io.ReadAll(second)
	if string(got) != "ok" {
		t.Fatalf("got %q after panic, want ok", got)
	}
}

func TestStartRequiresHandler(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0"}
	if err := s.Start(); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func waitActive(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Active() != n {
		if time.Now().After(deadline) {
			t.Fatalf("active = %d, want %d", s.Active(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
