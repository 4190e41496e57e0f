package netx

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// VerifyMode selects how origin certificates are checked.
type VerifyMode string

const (
	// VerifyStrict requires a valid chain and a certificate matching the
	// origin hostname or the server name that was sent.
	VerifyStrict VerifyMode = "strict"
	// VerifyChainOnly requires a valid chain but accepts any name. Useful
	// when fronting through a host whose certificate covers neither name.
	VerifyChainOnly VerifyMode = "chain-only"
	// VerifyInsecure accepts any certificate.
	VerifyInsecure VerifyMode = "insecure"
)

// ParseVerifyMode parses a mode name; empty selects strict.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch m := VerifyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return VerifyStrict, nil
	case VerifyStrict, VerifyChainOnly, VerifyInsecure:
		return m, nil
	default:
		return "", fmt.Errorf("unknown verify mode %q (want strict, chain-only or insecure)", s)
	}
}

// Verifier checks origin certificate chains. A nil *Verifier is strict
// against the system roots.
type Verifier struct {
	Mode VerifyMode
	// Roots overrides the system pool.
	Roots *x509.CertPool
	Now   func() time.Time
}

var errNoCertificates = errors.New("origin presented no certificates")

func (v *Verifier) mode() VerifyMode {
	if v == nil || v.Mode == "" {
		return VerifyStrict
	}
	return v.Mode
}

// Verify checks rawCerts for an origin reached as host, with serverName sent
// in the ClientHello when sentSNI is true.
func (v *Verifier) Verify(rawCerts [][]byte, host, serverName string, sentSNI bool) error {
	mode := v.mode()
	if mode == VerifyInsecure {
		return nil
	}
	if len(rawCerts) == 0 {
		return errNoCertificates
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse origin certificate: %w", err)
		}
		certs = append(certs, c)
	}
	opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
	if v != nil {
		opts.Roots = v.Roots
		if v.Now != nil {
			opts.CurrentTime = v.Now()
		}
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}

	if mode == VerifyChainOnly {
		_, err := certs[0].Verify(opts)
		return err
	}

	opts.DNSName = host
	_, err := certs[0].Verify(opts)
	if err == nil {
		return nil
	}
	if sentSNI && serverName != "" && !strings.EqualFold(serverName, host) {
		opts.DNSName = serverName
		if _, err2 := certs[0].Verify(opts); err2 == nil {
			return nil
		}
	}
	return err
}

func (v *Verifier) callback(host, serverName string, sentSNI bool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return v.Verify(rawCerts, host, serverName, sentSNI)
	}
}
