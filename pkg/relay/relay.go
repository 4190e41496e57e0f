// Package relay copies bytes between two connections in both directions.
//
// Each direction uses one fixed-size buffer, so a slow reader stalls the
// writer instead of growing memory. EOF on one side is propagated as a
// half-close (CloseWrite) when the destination supports it, or ends the
// whole relay when Options.CloseOnEOF is set.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultBufferSize = 32 * 1024

// ErrIdleTimeout is reported when neither direction moved data for the idle
// timeout.
var ErrIdleTimeout = errors.New("relay: idle timeout")

// Options tune Pipe.
type Options struct {
	BufferSize int
	// IdleTimeout closes the relay when no byte moved in either direction
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	// CloseOnEOF shuts both connections once either side finishes and its
	// EOF has been forwarded. TLS streams need it: a close_notify ends the
	// session and the peer is not expected to half-close.
	CloseOnEOF bool
}

// Stats counts bytes copied per direction.
type Stats struct {
	// AToB is the number of bytes read from a and written to b.
	AToB int64 `json:"a_to_b"`
	BToA int64 `json:"b_to_a"`
}

// RelayError is a mid-stream failure of one direction.
type RelayError struct {
	Direction string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Direction, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

type pipe struct {
	opts     Options
	last     atomic.Int64 // unix nanos of the last transfer
	stopping atomic.Bool
	once     sync.Once
	a, b     net.Conn
}

// Pipe relays between a and b until both directions finish, one fails, or
// ctx is cancelled. Both connections are closed on return.
func Pipe(ctx context.Context, a, b net.Conn, opts Options) (Stats, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	p := &pipe{opts: opts, a: a, b: b}
	p.touch()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.closeBoth()
		case <-done:
		}
	}()

	var (
		wg           sync.WaitGroup
		stats        Stats
		errAB, errBA error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		stats.AToB, errAB = p.copy(b, a)
		if errAB != nil {
			p.closeBoth()
		}
	}()
	go func() {
		defer wg.Done()
		stats.BToA, errBA = p.copy(a, b)
		if errBA != nil {
			p.closeBoth()
		}
	}()
	wg.Wait()
	p.closeBoth()

	if err := ctx.Err(); err != nil && errAB == nil && errBA == nil {
		return stats, &RelayError{Direction: "both", Err: err}
	}
	if errAB != nil {
		return stats, &RelayError{Direction: "a->b", Err: errAB}
	}
	if errBA != nil {
		return stats, &RelayError{Direction: "b->a", Err: errBA}
	}
	return stats, nil
}

func (p *pipe) touch() { p.last.Store(time.Now().UnixNano()) }

func (p *pipe) idleFor() time.Duration {
	return time.Since(time.Unix(0, p.last.Load()))
}

func (p *pipe) closeBoth() {
	p.once.Do(func() {
		p.stopping.Store(true)
		_ = p.a.Close()
		_ = p.b.Close()
	})
}

// copy moves src to dst. It returns nil on clean EOF and on errors caused by
// the relay shutting down.
func (p *pipe) copy(dst, src net.Conn) (int64, error) {
	buf := make([]byte, p.opts.BufferSize)
	var total int64
	for {
		if p.opts.IdleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(p.opts.IdleTimeout))
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			p.touch()
			if p.opts.IdleTimeout > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(p.opts.IdleTimeout))
			}
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, p.filter(werr)
			}
			if nw != nr {
				return total, p.filter(io.ErrShortWrite)
			}
			p.touch()
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			halfClose(dst)
			if p.opts.CloseOnEOF {
				p.closeBoth()
			}
			return total, nil
		}
		if errors.Is(rerr, os.ErrDeadlineExceeded) && !p.stopping.Load() {
			if p.idleFor() < p.opts.IdleTimeout {
				// the other direction is active
				continue
			}
			return total, ErrIdleTimeout
		}
		return total, p.filter(rerr)
	}
}

func (p *pipe) filter(err error) error {
	if p.stopping.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// halfClose signals EOF to dst's peer, closing dst entirely when it cannot
// half-close.
func halfClose(dst net.Conn) {
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	_ = dst.Close()
}
