package netx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
)

// TLSConn is implemented by [*tls.Conn] and by the adapters wrapping
// alternative TLS libraries.
type TLSConn interface {
	ConnectionState() tls.ConnectionState
	HandshakeContext(ctx context.Context) error
	net.Conn
}

// TLSEngine creates client connections.
type TLSEngine interface {
	// Name returns the engine name ("stdlib", "utls").
	Name() string

	// NewClientConn wraps conn in a client TLSConn.
	NewClientConn(conn net.Conn, config *tls.Config) TLSConn

	// Parrot returns the fingerprint being imitated, or "".
	Parrot() string
}

// TLSEngineStdlib uses crypto/tls.
type TLSEngineStdlib struct{}

var _ TLSEngine = &TLSEngineStdlib{}

// Name implements [TLSEngine].
func (*TLSEngineStdlib) Name() string { return "stdlib" }

// NewClientConn implements [TLSEngine].
func (*TLSEngineStdlib) NewClientConn(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Parrot implements [TLSEngine].
func (*TLSEngineStdlib) Parrot() string { return "" }

// NewTLSEngine returns the engine called name: "stdlib" (or empty),
// "utls"/"chrome", "firefox", "safari".
func NewTLSEngine(name string) (TLSEngine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stdlib":
		return &TLSEngineStdlib{}, nil
	case "utls", "chrome":
		return NewTLSEngineUTLS("chrome"), nil
	case "firefox":
		return NewTLSEngineUTLS("firefox"), nil
	case "safari":
		return NewTLSEngineUTLS("safari"), nil
	default:
		return nil, fmt.Errorf("unknown tls engine %q", name)
	}
}
