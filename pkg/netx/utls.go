package netx

import (
	"context"
	"crypto/tls"
	"net"
	"slices"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog/log"
)

// TLSEngineUTLS imitates a browser ClientHello with refraction-networking/utls.
// The preset's ALPN and SNI extensions are edited to match the request so a
// stripped SNI stays stripped.
type TLSEngineUTLS struct {
	parrot string
	id     utls.ClientHelloID
}

var _ TLSEngine = &TLSEngineUTLS{}

// NewTLSEngineUTLS returns an engine parroting "chrome", "firefox" or
// "safari". Unknown names fall back to chrome.
func NewTLSEngineUTLS(parrot string) *TLSEngineUTLS {
	switch parrot {
	case "firefox":
		return &TLSEngineUTLS{parrot: parrot, id: utls.HelloFirefox_Auto}
	case "safari":
		return &TLSEngineUTLS{parrot: parrot, id: utls.HelloSafari_Auto}
	default:
		return &TLSEngineUTLS{parrot: "chrome", id: utls.HelloChrome_Auto}
	}
}

// Name implements [TLSEngine].
func (*TLSEngineUTLS) Name() string { return "utls" }

// Parrot implements [TLSEngine].
func (e *TLSEngineUTLS) Parrot() string { return e.parrot }

// NewClientConn implements [TLSEngine].
func (e *TLSEngineUTLS) NewClientConn(conn net.Conn, config *tls.Config) TLSConn {
	ucfg := &utls.Config{
		ServerName:            config.ServerName,
		InsecureSkipVerify:    config.InsecureSkipVerify,
		VerifyPeerCertificate: config.VerifyPeerCertificate,
		NextProtos:            config.NextProtos,
		MinVersion:            config.MinVersion,
		RootCAs:               config.RootCAs,
	}

	spec, err := utls.UTLSIdToSpec(e.id)
	if err == nil {
		spec.Extensions = adjustExtensions(spec.Extensions, config.ServerName, config.NextProtos)
		uconn := utls.UClient(conn, ucfg, utls.HelloCustom)
		if err = uconn.ApplyPreset(&spec); err == nil {
			return &utlsConn{UConn: uconn}
		}
	}
	log.Warn().Err(err).Str("tls_parrot", e.parrot).Msg("utls preset unavailable, using plain fingerprint")
	return &utlsConn{UConn: utls.UClient(conn, ucfg, e.id)}
}

// adjustExtensions drops SNI when serverName is empty and makes the ALPN
// extension offer exactly alpn.
func adjustExtensions(exts []utls.TLSExtension, serverName string, alpn []string) []utls.TLSExtension {
	out := exts[:0]
	for _, ext := range exts {
		switch x := ext.(type) {
		case *utls.SNIExtension:
			if serverName == "" {
				continue
			}
		case *utls.ALPNExtension:
			if len(alpn) == 0 {
				continue
			}
			x.AlpnProtocols = slices.Clone(alpn)
		case *utls.ApplicationSettingsExtension:
			if !slices.Contains(alpn, "h2") {
				continue
			}
		}
		out = append(out, ext)
	}
	return out
}

// utlsConn adapts [*utls.UConn] to [TLSConn].
type utlsConn struct {
	*utls.UConn
}

func (c *utlsConn) HandshakeContext(ctx context.Context) error {
	return c.UConn.HandshakeContext(ctx)
}

func (c *utlsConn) ConnectionState() tls.ConnectionState {
	s := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:            s.Version,
		HandshakeComplete:  s.HandshakeComplete,
		DidResume:          s.DidResume,
		CipherSuite:        s.CipherSuite,
		NegotiatedProtocol: s.NegotiatedProtocol,
		ServerName:         s.ServerName,
		PeerCertificates:   s.PeerCertificates,
		VerifiedChains:     s.VerifiedChains,
	}
}
