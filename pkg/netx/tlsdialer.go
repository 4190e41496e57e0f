package netx

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/snimap/pkg/resolver"
)

// TLSRequest describes one outbound TLS connection.
type TLSRequest struct {
	// Host is the origin hostname: what is resolved and what the
	// certificate is checked against.
	Host string
	Port string
	// ServerName is sent in the ClientHello when SendSNI is true.
	ServerName string
	SendSNI    bool
	ALPN       []string
	// Resolver overrides Network.Resolver for this request.
	Resolver resolver.Resolver
}

// DialTLS resolves req.Host, connects, and completes a TLS handshake.
// Resolution failures are returned as *resolver.ResolutionError, anything
// else as *DialError.
func (nx *Network) DialTLS(ctx context.Context, req TLSRequest) (TLSConn, error) {
	reso := req.Resolver
	if reso == nil {
		reso = nx.Resolver
	}
	port := req.Port
	if port == "" {
		port = "443"
	}
	endpoints, err := nx.lookupEndpoint(ctx, reso, net.JoinHostPort(req.Host, port))
	if err != nil {
		return nil, err
	}

	cfg := nx.tlsConfig(req)
	engine := nx.engine()

	var lastErr error
	for _, endpoint := range endpoints {
		conn, err := nx.sequentialDial(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		tconn, err := nx.handshake(ctx, engine, conn, cfg, endpoint)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return tconn, nil
	}
	return nil, lastErr
}

func (nx *Network) tlsConfig(req TLSRequest) *tls.Config {
	cfg := &tls.Config{
		// verification happens in VerifyPeerCertificate so the
		// server name can be omitted or replaced
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: nx.Verifier.callback(req.Host, req.ServerName, req.SendSNI),
		NextProtos:            req.ALPN,
		MinVersion:            tls.VersionTLS12,
	}
	if req.SendSNI {
		cfg.ServerName = req.ServerName
	}
	return cfg
}

func (nx *Network) handshake(ctx context.Context, engine TLSEngine, conn net.Conn, cfg *tls.Config, endpoint string) (TLSConn, error) {
	ctx, cancel := context.WithTimeout(ctx, nx.handshakeTimeout())
	defer cancel()

	logger := log.Ctx(ctx)
	t0 := time.Now()
	logger.Debug().
		Str("endpoint", endpoint).
		Str("tls_engine", engine.Name()).
		Str("tls_parrot", engine.Parrot()).
		Str("tls_server_name", cfg.ServerName).
		Strs("alpn", cfg.NextProtos).
		Msg("tls handshake start")

	tconn := engine.NewClientConn(conn, cfg)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()

	ev := logger.Debug()
	if err != nil {
		ev = logger.Info()
	}
	ev.Err(err).
		Str("err_class", errclass.New(err)).
		Str("endpoint", endpoint).
		Str("tls_engine", engine.Name()).
		Str("tls_version", tls.VersionName(state.Version)).
		Str("tls_cipher_suite", tls.CipherSuiteName(state.CipherSuite)).
		Str("tls_negotiated_protocol", state.NegotiatedProtocol).
		Dur("elapsed", time.Since(t0)).
		Msg("tls handshake done")

	if err != nil {
		_ = conn.Close()
		return nil, &DialError{Stage: "handshake", Address: endpoint, Err: err}
	}
	return tconn, nil
}
