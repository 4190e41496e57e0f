// Package server accepts TCP connections and hands each one to a Handler on
// its own goroutine.
package server

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler serves one connection. It owns conn and must close it.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn implements Handler.
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Server is a TCP listener with graceful shutdown.
type Server struct {
	Addr    string
	Handler Handler

	ln           net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Start begins listening and serving until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	if s.Handler == nil {
		return errors.New("server: nil handler")
	}
	lc := net.ListenConfig{Control: control}
	ln, err := lc.Listen(context.Background(), "tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.conns = make(map[net.Conn]struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Msg("server started")
	return nil
}

// ListenAddr returns the bound listener address, useful with port 0.
func (s *Server) ListenAddr() string {
	if s.ln == nil {
		return s.Addr
	}
	return s.ln.Addr().String()
}

// Active reports the number of connections being served.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting and waits for in-flight connections until ctx is
// done, then cancels their context and closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.done != nil {
			close(s.done)
		}
	})
	if s.ln == nil {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.conns)
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.cancel()
	log.Warn().Int("connections", n).Msg("grace period expired, closing connections")
	<-finished
	return ctx.Err()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept error, retrying")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.track(conn, true)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer func() {
		if err := recover(); err != nil {
			log.Error().
				Interface("panic", err).
				Str("client", conn.RemoteAddr().String()).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			_ = conn.Close()
		}
	}()
	s.Handler.ServeConn(s.ctx, conn)
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}
