package helpers

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnovack/snimap/pkg/ca"
)

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewAuthority creates a fresh root and an Authority issuing from it.
func NewAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	root, err := ca.GenerateRoot(pkix.Name{CommonName: "Test Root CA"})
	require.NoError(t, err, "generate root CA")
	a, err := ca.NewAuthority(root, ca.Options{})
	require.NoError(t, err, "new authority")
	return a
}

// Origin is a TLS origin serving a fixed body. It presents a leaf for
// CertHost regardless of the SNI it receives and records every SNI value.
type Origin struct {
	*httptest.Server
	CertHost string

	mu    sync.Mutex
	snis  []string
	hello chan string
}

// NewOrigin starts an Origin with a leaf for certHost issued by auth.
func NewOrigin(t *testing.T, auth *ca.Authority, certHost, body string) *Origin {
	t.Helper()
	leaf, err := auth.IssueLeaf(certHost)
	require.NoError(t, err, "issue origin leaf")

	o := &Origin{CertHost: certHost, hello: make(chan string, 16)}
	o.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	o.Server.TLS = &tls.Config{
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			o.mu.Lock()
			o.snis = append(o.snis, chi.ServerName)
			o.mu.Unlock()
			select {
			case o.hello <- chi.ServerName:
			default:
			}
			return &tls.Config{
				Certificates: []tls.Certificate{leaf.Certificate},
				NextProtos:   []string{"http/1.1"},
			}, nil
		},
	}
	o.Server.StartTLS()
	t.Cleanup(o.Server.Close)
	return o
}

// Port returns the origin's listening port.
func (o *Origin) Port() string {
	_, port, _ := net.SplitHostPort(o.Listener.Addr().String())
	return port
}

// ServerNames returns every SNI value seen so far, "" for an absent SNI.
func (o *Origin) ServerNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.snis...)
}

// NextServerName waits for the next ClientHello and returns its SNI.
func (o *Origin) NextServerName(t *testing.T) string {
	t.Helper()
	select {
	case s := <-o.hello:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("origin saw no ClientHello")
		return ""
	}
}

// TLSClientOver wraps conn with a TLS client sending sniHost and trusting roots.
func TLSClientOver(t *testing.T, conn net.Conn, sniHost string, roots *x509.CertPool, alpn ...string) *tls.Conn {
	t.Helper()
	cfg := &tls.Config{
		ServerName: sniHost,
		RootCAs:    roots,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS12,
	}
	tlsConn := tls.Client(conn, cfg)
	_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	require.NoError(t, tlsConn.Handshake(), "TLS handshake with proxy")
	_ = tlsConn.SetDeadline(time.Time{})
	return tlsConn
}

// SendHTTPRequest writes a minimal HTTP/1.1 request over w, with explicit Host header.
func SendHTTPRequest(t *testing.T, w io.Writer, method, hostWithPort, path string) {
	t.Helper()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, path, hostWithPort)
	_, err := io.WriteString(w, req)
	require.NoError(t, err, "write HTTP request")
}

// ReadHTTPResponse parses an HTTP/1.1 response from r and returns its body.
func ReadHTTPResponse(t *testing.T, r *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err, "read HTTP response")
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read HTTP body")
	return resp, string(body)
}

// EchoServer accepts TCP connections and echoes everything back, half-closing
// after the client does.
func EchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
				if tc, ok := c.(*net.TCPConn); ok {
					_ = tc.CloseWrite()
				}
			}()
		}
	}()
	return ln
}

// ClientHelloBytes returns the first record a crypto/tls client sends for
// serverName ("" omits the extension).
func ClientHelloBytes(t *testing.T, serverName string, alpn ...string) []byte {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		cfg := &tls.Config{ServerName: serverName, InsecureSkipVerify: true, NextProtos: alpn}
		_ = tls.Client(client, cfg).Handshake()
	}()
	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, 5)
	_, err := io.ReadFull(server, hdr)
	require.NoError(t, err, "read record header")
	body := make([]byte, int(hdr[3])<<8|int(hdr[4]))
	_, err = io.ReadFull(server, body)
	require.NoError(t, err, "read record body")
	return append(hdr, body...)
}
