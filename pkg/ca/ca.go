// Package ca holds the locally trusted root and forges per-host leaf
// certificates for intercepted connections.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load a root CA from combined PEM or separate cert/key files
//   - Generate a self-signed root CA when explicitly requested
//   - Issue short-lived leaf certificates signed by the root, cached in memory
package ca

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

// ConfigError reports unusable root material. It is fatal at startup.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "ca: " + e.Reason
	}
	return fmt.Sprintf("ca: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Root is a parsed root certificate with its signing key. The key never
// leaves the package.
type Root struct {
	Cert *x509.Certificate

	key     crypto.Signer
	certPEM []byte
	keyPEM  []byte
}

// CertPEM returns the PEM-encoded root certificate (no key).
func (r *Root) CertPEM() []byte {
	return r.certPEM
}

// CheckPEMHasCertAndKey reports whether pemBytes contains at least one
// CERTIFICATE and one PRIVATE KEY block.
func CheckPEMHasCertAndKey(pemBytes []byte) (hasCert bool, hasKey bool) {
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			hasCert = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			hasKey = true
		}
	}
	return
}

// LoadRoot parses a combined PEM (certificate + private key). The certificate
// must be a CA and the key must match its public key.
func LoadRoot(pemBytes []byte) (*Root, error) {
	hasCert, hasKey := CheckPEMHasCertAndKey(pemBytes)
	if !hasCert || !hasKey {
		return nil, &ConfigError{Reason: "root PEM missing certificate or private key"}
	}

	var (
		cert    *x509.Certificate
		certPEM []byte
		key     crypto.PrivateKey
		keyPEM  []byte
	)
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		var err error
		switch block.Type {
		case "CERTIFICATE":
			if cert != nil {
				// first certificate is the root
				continue
			}
			cert, err = x509.ParseCertificate(block.Bytes)
			certPEM = pem.EncodeToMemory(block)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
			keyPEM = pem.EncodeToMemory(block)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
			keyPEM = pem.EncodeToMemory(block)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
			keyPEM = pem.EncodeToMemory(block)
		}
		if err != nil {
			return nil, &ConfigError{Reason: "parsing " + strings.ToLower(block.Type) + " block", Err: err}
		}
	}

	if cert == nil || key == nil {
		return nil, &ConfigError{Reason: "root PEM did not yield both certificate and key"}
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("unsupported key type %T", key)}
	}
	if !publicKeysEqual(cert.PublicKey, signer.Public()) {
		return nil, &ConfigError{Reason: "private key does not match root certificate"}
	}
	if !cert.IsCA {
		return nil, &ConfigError{Reason: "certificate is not a CA"}
	}
	if time.Now().After(cert.NotAfter) {
		return nil, &ConfigError{Reason: "root certificate expired at " + cert.NotAfter.Format(time.RFC3339)}
	}
	return &Root{Cert: cert, key: signer, certPEM: certPEM, keyPEM: keyPEM}, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return false
}

// LoadRootFiles loads the root from separate certificate and key files when
// both are given, else from the combined PEM file rootPem.
func LoadRootFiles(rootPem, rootCert, rootKey string) (*Root, error) {
	if rootCert != "" && rootKey != "" {
		cb, err := os.ReadFile(rootCert)
		if err != nil {
			return nil, &ConfigError{Reason: "read root-cert", Err: err}
		}
		kb, err := os.ReadFile(rootKey)
		if err != nil {
			return nil, &ConfigError{Reason: "read root-key", Err: err}
		}
		return LoadRoot(append(append(cb, '\n'), kb...))
	}
	if rootPem != "" {
		b, err := os.ReadFile(rootPem)
		if err != nil {
			return nil, &ConfigError{Reason: "read root-pem", Err: err}
		}
		return LoadRoot(b)
	}
	return nil, &ConfigError{Reason: "no root CA files provided", Err: os.ErrNotExist}
}

// SaveCombined writes certificate and key as one PEM file atomically.
func (r *Root) SaveCombined(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bytes.Join([][]byte{r.certPEM, r.keyPEM}, nil), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	name := pkix.Name{}
	for _, p := range splitDN(s) {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := strings.TrimSpace(kv[1])
		switch strings.ToUpper(strings.TrimSpace(kv[0])) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		return strings.Split(strings.TrimPrefix(s, "/"), "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateRoot creates a self-signed ECDSA P-384 root valid for ten years.
func GenerateRoot(name pkix.Name) (*Root, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal root key: %w", err)
	}
	return &Root{
		Cert:    cert,
		key:     priv,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// TrustedBySystem reports whether the root verifies against the operating
// system trust store. Clients will reject forged leaves until it does.
func (r *Root) TrustedBySystem() error {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return fmt.Errorf("load system roots: %w", err)
	}
	_, err = r.Cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}
