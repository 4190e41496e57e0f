// Package session runs the per-connection state machine: peek the server
// name, resolve the policy, then either pass bytes through untouched or
// terminate TLS with a forged leaf and re-originate to the real origin with
// the chosen server name.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/snimap/pkg/netx"
	"github.com/jnovack/snimap/pkg/policy"
	"github.com/jnovack/snimap/pkg/relay"
	"github.com/jnovack/snimap/pkg/resolver"
	"github.com/jnovack/snimap/pkg/sni"
)

// ConnectionIDKey carries the session uuid in the context.
type ConnectionIDKey struct{}

// Engine serves accepted connections with shared Options.
type Engine struct {
	opts Options
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// ServeConn runs one session to completion. conn is always closed.
func (e *Engine) ServeConn(ctx context.Context, conn net.Conn) {
	_ = New(conn, &e.opts).Run(ctx)
}

// Session is one accepted connection. It is owned by the goroutine calling
// Run and is not safe for concurrent use.
type Session struct {
	ID uuid.UUID

	opts     *Options
	inbound  net.Conn
	tlsIn    *tls.Conn
	outbound net.Conn

	state   State
	history []State
	reason  Reason
	err     error

	clientSNI   string
	rule        policy.Rule
	mode        string
	outboundSNI string
	sendSNI     bool
	target      string
	alpn        string
	stats       relay.Stats
	start       time.Time
}

// New returns a Session in state Accepted.
func New(conn net.Conn, opts *Options) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{
		ID:      id,
		opts:    opts,
		inbound: conn,
		state:   Accepted,
		history: []State{Accepted},
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// History returns every state visited, in order.
func (s *Session) History() []State { return slices.Clone(s.history) }

// Reason returns why the session aborted, or ReasonNone.
func (s *Session) Reason() Reason { return s.reason }

// Err returns the error that aborted the session.
func (s *Session) Err() error { return s.err }

// ClientSNI returns the server name the client sent, "" if none.
func (s *Session) ClientSNI() string { return s.clientSNI }

// Rule returns the resolved policy rule.
func (s *Session) Rule() policy.Rule { return s.rule }

// OutboundSNI returns the server name sent upstream; ok is false when the
// extension was omitted.
func (s *Session) OutboundSNI() (name string, ok bool) { return s.outboundSNI, s.sendSNI }

func (s *Session) advance(to State) error {
	if !canAdvance(s.state, to) {
		return &TransitionError{From: s.state, To: to}
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

func (s *Session) abort(reason Reason, err error) error {
	if s.state.Terminal() {
		return err
	}
	s.reason = reason
	s.err = err
	_ = s.advance(Aborted)
	return err
}

// Run drives the session until it is Closed or Aborted and closes both
// connections. The returned error is the abort cause.
func (s *Session) Run(ctx context.Context) error {
	s.start = time.Now()
	logger := log.With().
		Str("connection_id", s.ID.String()).
		Str("client", s.inbound.RemoteAddr().String()).
		Logger()
	ctx = logger.WithContext(context.WithValue(ctx, ConnectionIDKey{}, s.ID))

	if m := s.opts.Metrics; m != nil {
		m.IncSessions()
		m.InflightAdd(s.ID.String())
	}
	err := s.run(ctx)
	s.closeAll()
	s.finish(ctx, err)
	return err
}

func (s *Session) run(ctx context.Context) error {
	in := sni.NewConn(s.inbound)
	_ = in.SetReadDeadline(time.Now().Add(s.opts.peekTimeout()))
	hello, perr := in.PeekClientHello()
	_ = in.SetReadDeadline(time.Time{})
	if perr != nil && in.Buffered() == 0 {
		return s.abort(ReasonParseError, perr)
	}
	if hello != nil {
		s.clientSNI = hello.ServerName
	}
	if err := s.advance(SNIPeeked); err != nil {
		return err
	}

	host := s.clientSNI
	if host == "" && hello != nil {
		// a well-formed hello without server_name
		host = s.opts.NoSNIHost
	}
	s.rule = policy.Rule{}
	if host != "" {
		s.rule = s.opts.Policy.Resolve(host)
	}
	if err := s.advance(PolicyResolved); err != nil {
		return err
	}
	ctx = zerolog.Ctx(ctx).With().Str("sni", s.clientSNI).Logger().WithContext(ctx)
	ev := log.Ctx(ctx).Debug().
		Str("hostname", s.rule.Hostname).
		Str("pattern", s.rule.Pattern).
		Str("group", s.rule.Group).
		Bool("enabled", s.rule.Enabled).
		Str("sni_mode", s.rule.SNIMode())
	if perr != nil {
		ev = ev.AnErr("peek_error", perr)
	}
	ev.Msg("policy resolved")

	if !s.rule.Enabled {
		return s.passThrough(ctx, in)
	}
	return s.intercept(ctx, in, hello)
}

func (s *Session) passThrough(ctx context.Context, in *sni.Conn) error {
	if err := s.advance(PassThrough); err != nil {
		return err
	}
	s.mode = "passthrough"
	target, err := s.passThroughTarget(ctx)
	if err != nil {
		return s.abort(ReasonResolutionError, err)
	}
	s.target = target
	out, err := s.opts.Dialer.DialTCP(ctx, target)
	if err != nil {
		var re *resolver.ResolutionError
		if errors.As(err, &re) {
			return s.abort(ReasonResolutionError, err)
		}
		return s.abort(ReasonOutboundTLSError, &OutboundTLSError{Err: err})
	}
	s.outbound = out
	if err := s.advance(OutboundConnected); err != nil {
		return err
	}
	return s.relay(ctx, in, out, false)
}

// passThroughTarget picks ip:port for an unintercepted connection. A
// redirected connection (original destination known and not this proxy)
// goes where the client was headed; the server name is never trusted over
// it. Otherwise the hostname is looked up through the pass-through resolver
// on the original port.
func (s *Session) passThroughTarget(ctx context.Context) (string, error) {
	dst, dstErr := s.opts.originalDestination()(s.inbound)
	redirected := dstErr == nil &&
		!sameEndpoint(dst, s.inbound.LocalAddr()) &&
		!isSelf(dst, s.opts.ListenAddr)
	if redirected {
		return dst, nil
	}
	if s.rule.Hostname == "" {
		if dstErr != nil {
			return "", &resolver.ResolutionError{Err: errors.Join(ErrNoDestination, dstErr)}
		}
		return "", &resolver.ResolutionError{Host: dst, Err: ErrLoop}
	}

	port := localPort(s.inbound)
	if dstErr == nil {
		if _, p, err := net.SplitHostPort(dst); err == nil {
			port = p
		}
	}
	addrs, err := s.opts.passThroughResolver().LookupHost(ctx, s.rule.Hostname)
	if err != nil {
		var re *resolver.ResolutionError
		if !errors.As(err, &re) {
			err = &resolver.ResolutionError{Host: s.rule.Hostname, Err: err}
		}
		return "", err
	}
	for _, a := range addrs {
		if t := net.JoinHostPort(a, port); !isSelf(t, s.opts.ListenAddr) {
			return t, nil
		}
	}
	if len(addrs) == 0 {
		return "", &resolver.ResolutionError{Host: s.rule.Hostname, Err: resolver.ErrNoAddresses}
	}
	return "", &resolver.ResolutionError{Host: s.rule.Hostname, Err: ErrLoop}
}

func (s *Session) intercept(ctx context.Context, in *sni.Conn, hello *sni.ClientHello) error {
	if err := s.advance(Intercepting); err != nil {
		return err
	}
	s.mode = "intercept"
	leaf, err := s.opts.Issuer.IssueLeaf(s.rule.Hostname)
	if err != nil {
		return s.abort(ReasonIssuanceError, err)
	}

	var offered []string
	if hello != nil {
		offered = hello.ALPN
	}
	s.alpn = chooseALPN(offered)
	var alpn []string
	if s.alpn != "" {
		alpn = []string{s.alpn}
	}

	s.tlsIn = tls.Server(in, &tls.Config{
		Certificates: []tls.Certificate{leaf.Certificate},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	})
	hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout())
	err = s.tlsIn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		return s.abort(ReasonInboundTLSError, &InboundTLSError{Err: err})
	}

	s.outboundSNI, s.sendSNI = s.rule.OutboundSNI(s.rule.Hostname)
	out, err := s.opts.Dialer.DialTLS(ctx, netx.TLSRequest{
		Host:       s.rule.Hostname,
		Port:       s.opts.originPort(),
		ServerName: s.outboundSNI,
		SendSNI:    s.sendSNI,
		ALPN:       alpn,
		Resolver:   s.originResolver(),
	})
	if err != nil {
		var re *resolver.ResolutionError
		if errors.As(err, &re) {
			return s.abort(ReasonResolutionError, err)
		}
		return s.abort(ReasonOutboundTLSError, &OutboundTLSError{Err: err})
	}
	s.outbound = out
	s.target = out.RemoteAddr().String()
	if err := s.advance(OutboundConnected); err != nil {
		return err
	}
	log.Ctx(ctx).Debug().
		Str("hostname", s.rule.Hostname).
		Str("target", s.target).
		Str("outbound_sni", s.outboundSNI).
		Bool("sni_sent", s.sendSNI).
		Str("alpn", s.alpn).
		Str("negotiated_protocol", out.ConnectionState().NegotiatedProtocol).
		Msg("outbound connected")
	return s.relay(ctx, s.tlsIn, out, true)
}

// originResolver resolves the intercepted origin: the pinned address when
// the rule has one, else the configured resolver. Addresses pointing back
// at the proxy are dropped.
func (s *Session) originResolver() resolver.Resolver {
	next := s.opts.Resolver
	if s.rule.Address != "" {
		next = resolver.Static{s.rule.Hostname: {s.rule.Address}}
	}
	if next == nil {
		next = resolver.System{}
	}
	port := s.opts.originPort()
	listen := s.opts.ListenAddr
	return resolver.Func(func(ctx context.Context, host string) ([]string, error) {
		addrs, err := next.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		out := addrs[:0:0]
		for _, a := range addrs {
			if !isSelf(net.JoinHostPort(a, port), listen) {
				out = append(out, a)
			}
		}
		if len(out) == 0 && len(addrs) > 0 {
			return nil, &resolver.ResolutionError{Host: host, Err: ErrLoop}
		}
		return out, nil
	})
}

// relay copies until done. Pass-through keeps TCP half-close semantics;
// terminated TLS ends both legs on the first close_notify or EOF.
func (s *Session) relay(ctx context.Context, a, b net.Conn, closeOnEOF bool) error {
	if err := s.advance(Relaying); err != nil {
		return err
	}
	stats, err := relay.Pipe(ctx, a, b, relay.Options{
		IdleTimeout: s.opts.idleTimeout(),
		CloseOnEOF:  closeOnEOF,
	})
	s.stats = stats
	if err != nil {
		return s.abort(ReasonRelayError, err)
	}
	return s.advance(Closed)
}

func (s *Session) closeAll() {
	if s.tlsIn != nil {
		_ = s.tlsIn.Close()
	}
	_ = s.inbound.Close()
	if s.outbound != nil {
		_ = s.outbound.Close()
	}
}

func (s *Session) outcome() string {
	if s.state == Aborted {
		return "aborted"
	}
	return s.mode
}

func (s *Session) finish(ctx context.Context, err error) {
	elapsed := time.Since(s.start)
	if m := s.opts.Metrics; m != nil {
		m.InflightRemove(s.ID.String())
		switch s.mode {
		case "intercept":
			m.IncIntercepted()
		case "passthrough":
			m.IncPassThrough()
		}
		if s.state == Aborted {
			m.IncAborted(string(s.reason))
		}
		m.ObserveDuration(s.outcome(), elapsed.Seconds())
	}

	logger := log.Ctx(ctx)
	ev := logger.Info()
	switch {
	case s.reason == ReasonParseError:
		ev = logger.Debug()
	case s.state == Aborted:
		ev = logger.Warn()
	}
	if err != nil {
		ev = ev.Err(err).Str("err_class", errclass.New(err)).Str("reason", string(s.reason))
	}
	ev.Str("hostname", s.rule.Hostname).
		Str("mode", s.mode).
		Str("sni_mode", s.rule.SNIMode()).
		Str("outbound_sni", s.outboundSNI).
		Str("target", s.target).
		Str("state", s.state.String()).
		Int64("bytes_up", s.stats.AToB).
		Int64("bytes_down", s.stats.BToA).
		Dur("elapsed", elapsed).
		Msg("session closed")

	notifyObserver(s.opts.Observer, s.Record())
}

// Record summarizes the session.
func (s *Session) Record() Record {
	r := Record{
		ID:        s.ID.String(),
		Time:      s.start,
		Client:    s.inbound.RemoteAddr().String(),
		SNI:       s.clientSNI,
		Hostname:  s.rule.Hostname,
		Pattern:   s.rule.Pattern,
		Group:     s.rule.Group,
		Mode:      s.mode,
		Target:    s.target,
		ALPN:      s.alpn,
		State:     s.state.String(),
		Reason:    string(s.reason),
		BytesUp:   s.stats.AToB,
		BytesDown: s.stats.BToA,
	}
	if !s.start.IsZero() {
		r.Seconds = time.Since(s.start).Seconds()
	}
	if s.mode == "intercept" {
		r.SNIMode = s.rule.SNIMode()
		r.OutboundSNI = s.outboundSNI
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	return r
}

// chooseALPN prefers http/1.1 and otherwise takes the client's first choice.
func chooseALPN(offered []string) string {
	if slices.Contains(offered, "http/1.1") {
		return "http/1.1"
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return ""
}

func localPort(c net.Conn) string {
	if c.LocalAddr() == nil {
		return "443"
	}
	_, port, err := net.SplitHostPort(c.LocalAddr().String())
	if err != nil {
		return "443"
	}
	return port
}

// sameEndpoint reports whether target names the local address a, which is
// what SO_ORIGINAL_DST returns for a connection that was not redirected.
func sameEndpoint(target string, a net.Addr) bool {
	if a == nil {
		return false
	}
	th, tp, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	ah, ap, err := net.SplitHostPort(a.String())
	if err != nil || tp != ap {
		return false
	}
	tip, aip := net.ParseIP(th), net.ParseIP(ah)
	return tip != nil && aip != nil && tip.Equal(aip)
}

// isSelf reports whether target (ip:port) is the listener at listen.
func isSelf(target, listen string) bool {
	if listen == "" {
		return false
	}
	th, tp, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	lh, lp, err := net.SplitHostPort(listen)
	if err != nil || tp != lp {
		return false
	}
	tip := net.ParseIP(th)
	if tip == nil {
		return false
	}
	lip := net.ParseIP(lh)
	if lip == nil || lip.IsUnspecified() {
		return tip.IsLoopback() || tip.IsUnspecified()
	}
	return tip.Equal(lip) || (lip.IsLoopback() && tip.IsLoopback())
}
