// Package netx dials origins: resolution, sequential TCP connects, and a TLS
// client handshake with an explicit SNI decision and verification mode.
package netx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"github.com/jnovack/snimap/pkg/resolver"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// DialError reports a failed connect or handshake.
type DialError struct {
	// Stage is "connect" or "handshake".
	Stage   string
	Address string
	Err     error
}

func (e *DialError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Address, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Network holds the outbound dialing configuration. The zero value dials
// directly with the system resolver, the stdlib TLS engine and strict
// verification against the system roots.
type Network struct {
	Resolver resolver.Resolver
	// Dialer, when set, carries every TCP connection (for example an
	// upstream SOCKS5 proxy).
	Dialer           proxy.ContextDialer
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	TLSEngine        TLSEngine
	Verifier         *Verifier
}

func (nx *Network) dialTimeout() time.Duration {
	if nx.DialTimeout > 0 {
		return nx.DialTimeout
	}
	return DefaultDialTimeout
}

func (nx *Network) handshakeTimeout() time.Duration {
	if nx.HandshakeTimeout > 0 {
		return nx.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (nx *Network) engine() TLSEngine {
	if nx.TLSEngine != nil {
		return nx.TLSEngine
	}
	return &TLSEngineStdlib{}
}

// DialTCP connects to address (host:port), resolving host first.
func (nx *Network) DialTCP(ctx context.Context, address string) (net.Conn, error) {
	return nx.dialTCP(ctx, nx.Resolver, address)
}

func (nx *Network) dialTCP(ctx context.Context, reso resolver.Resolver, address string) (net.Conn, error) {
	endpoints, err := nx.lookupEndpoint(ctx, reso, address)
	if err != nil {
		return nil, err
	}
	return nx.sequentialDial(ctx, endpoints...)
}

// sequentialDial attempts the endpoints in order and returns the first
// connection, or the join of every error.
func (nx *Network) sequentialDial(ctx context.Context, endpoints ...string) (net.Conn, error) {
	var errv []error
	for _, endpoint := range endpoints {
		conn, err := nx.dialOne(ctx, endpoint)
		if err == nil {
			return conn, nil
		}
		log.Ctx(ctx).Debug().Err(err).Str("err_class", errclass.New(err)).Str("endpoint", endpoint).Msg("connect failed")
		errv = append(errv, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &DialError{Stage: "connect", Err: errors.Join(errv...)}
}

func (nx *Network) dialOne(ctx context.Context, endpoint string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, nx.dialTimeout())
	defer cancel()
	if nx.Dialer != nil {
		return nx.Dialer.DialContext(ctx, "tcp", endpoint)
	}
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", endpoint)
}

// lookupEndpoint turns host:port into a list of ip:port, short-circuiting
// IP literals.
func (nx *Network) lookupEndpoint(ctx context.Context, reso resolver.Resolver, endpoint string) ([]string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, &DialError{Stage: "connect", Address: endpoint, Err: err}
	}
	if net.ParseIP(host) != nil {
		return []string{endpoint}, nil
	}
	if reso == nil {
		reso = resolver.System{}
	}
	addrs, err := reso.LookupHost(ctx, host)
	if err != nil {
		var re *resolver.ResolutionError
		if !errors.As(err, &re) {
			err = &resolver.ResolutionError{Host: host, Err: err}
		}
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(a, port))
	}
	return out, nil
}

// NewSOCKS5Dialer returns a dialer that tunnels through a SOCKS5 proxy.
func NewSOCKS5Dialer(address string, auth *proxy.Auth) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", address, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", address, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 %s: dialer does not support contexts", address)
	}
	return cd, nil
}
