// Package sni extracts the server name from the first TLS record a client
// sends, without consuming it.
//
// Only the first record is examined. A ClientHello fragmented across several
// records reports no server name.
package sni

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake    = 22
	handshakeTypeHello     = 1
	extensionServerName    = 0
	extensionALPN          = 16
	serverNameTypeHostName = 0

	recordHeaderLen = 5
	// MaxRecordLen is the largest TLSPlaintext fragment a peer may send.
	MaxRecordLen = 1 << 14
)

// ClientHello holds the fields of a ClientHello the proxy routes on.
type ClientHello struct {
	// RecordVersion is the legacy version in the record header.
	RecordVersion uint16
	// Version is the legacy_version inside the handshake message.
	Version    uint16
	ServerName string
	// ALPN is the client's protocol list in preference order.
	ALPN []string
}

// ParseError describes why a record is not a usable ClientHello.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "sni: " + e.Reason }

func parseErr(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// ParseClientHello parses a complete TLS record (header included) holding a
// ClientHello. A hello without a server_name extension is valid and returns
// an empty ServerName.
func ParseClientHello(record []byte) (*ClientHello, error) {
	s := cryptobyte.String(record)

	var (
		contentType uint8
		recVersion  uint16
		fragment    cryptobyte.String
	)
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&recVersion) {
		return nil, parseErr("truncated record header")
	}
	if contentType != recordTypeHandshake {
		return nil, parseErr("record type %d is not handshake", contentType)
	}
	if !s.ReadUint16LengthPrefixed(&fragment) {
		return nil, parseErr("truncated record")
	}

	var (
		msgType uint8
		body    cryptobyte.String
	)
	if !fragment.ReadUint8(&msgType) {
		return nil, parseErr("empty handshake record")
	}
	if msgType != handshakeTypeHello {
		return nil, parseErr("handshake type %d is not client_hello", msgType)
	}
	if !fragment.ReadUint24LengthPrefixed(&body) {
		return nil, parseErr("client_hello spans multiple records")
	}

	hello := &ClientHello{RecordVersion: recVersion}
	var (
		sessionID, suites, compression cryptobyte.String
	)
	if !body.ReadUint16(&hello.Version) || !body.Skip(32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, parseErr("malformed client_hello")
	}
	if body.Empty() {
		// no extensions at all
		return hello, nil
	}

	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) || !body.Empty() {
		return nil, parseErr("malformed extensions block")
	}
	for !exts.Empty() {
		var (
			typ  uint16
			data cryptobyte.String
		)
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, parseErr("malformed extension")
		}
		switch typ {
		case extensionServerName:
			name, err := parseServerName(data)
			if err != nil {
				return nil, err
			}
			hello.ServerName = name
		case extensionALPN:
			protos, err := parseALPN(data)
			if err != nil {
				return nil, err
			}
			hello.ALPN = protos
		}
	}
	return hello, nil
}

func parseServerName(data cryptobyte.String) (string, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || !data.Empty() {
		return "", parseErr("malformed server_name extension")
	}
	for !list.Empty() {
		var (
			nameType uint8
			name     cryptobyte.String
		)
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", parseErr("malformed server_name entry")
		}
		if nameType != serverNameTypeHostName {
			continue
		}
		host := string(name)
		if !validHostName(host) {
			return "", parseErr("invalid host_name %q", host)
		}
		return strings.TrimSuffix(host, "."), nil
	}
	return "", nil
}

func parseALPN(data cryptobyte.String) ([]string, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || !data.Empty() {
		return nil, parseErr("malformed alpn extension")
	}
	var out []string
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return nil, parseErr("malformed alpn protocol")
		}
		out = append(out, string(proto))
	}
	return out, nil
}

func validHostName(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if c <= ' ' || c >= 0x7f || c == '/' || c == '\\' {
			return false
		}
	}
	return true
}
