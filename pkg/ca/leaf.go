package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLeafValidity = 72 * time.Hour
	DefaultRenewBefore  = time.Hour
	DefaultMaxEntries   = 1024
)

// IssuanceError reports a leaf that could not be produced for a hostname.
type IssuanceError struct {
	Hostname string
	Err      error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("ca: issue leaf for %q: %v", e.Hostname, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// Leaf is a forged certificate bound to one hostname. Leaves are shared
// read-only between sessions.
type Leaf struct {
	Hostname    string
	Certificate tls.Certificate
	NotBefore   time.Time
	NotAfter    time.Time
}

// Metrics receives issuance counters.
type Metrics interface {
	IncLeafIssued()
	IncLeafCacheHit()
}

// Options tune the Authority. Zero values select the defaults.
type Options struct {
	// Validity is how long a leaf is valid for, clamped to the root's NotAfter.
	Validity time.Duration
	// RenewBefore evicts a cached leaf this long before it expires.
	RenewBefore time.Duration
	// MaxEntries caps the cache; the entry closest to expiry goes first.
	MaxEntries int
	Metrics    Metrics
	Now        func() time.Time
}

// Authority issues and caches leaves. It is safe for concurrent use and at
// most one generation per hostname is in flight at a time.
type Authority struct {
	root  *Root
	opts  Options
	cache *gocache.Cache
	group singleflight.Group
}

// NewAuthority builds an Authority around root.
func NewAuthority(root *Root, opts Options) (*Authority, error) {
	if root == nil || root.Cert == nil || root.key == nil {
		return nil, &ConfigError{Reason: "root CA is nil"}
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultLeafValidity
	}
	if opts.RenewBefore <= 0 || opts.RenewBefore >= opts.Validity {
		opts.RenewBefore = min(DefaultRenewBefore, opts.Validity/2)
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authority{
		root:  root,
		opts:  opts,
		cache: gocache.New(opts.Validity, 10*time.Minute),
	}, nil
}

// Root returns the root certificate.
func (a *Authority) Root() *x509.Certificate { return a.root.Cert }

// CertPEM returns the PEM-encoded root certificate for distribution.
func (a *Authority) CertPEM() []byte { return a.root.CertPEM() }

// RootPool returns a pool containing only the root.
func (a *Authority) RootPool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(a.root.Cert)
	return p
}

// CachedLeaves reports the number of unexpired cached leaves.
func (a *Authority) CachedLeaves() int {
	return a.cache.ItemCount()
}

// Flush drops every cached leaf.
func (a *Authority) Flush() {
	a.cache.Flush()
}

func cacheKey(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// IssueLeaf returns a leaf for hostname, generating and caching it on first
// use. Concurrent callers for the same hostname share one generation.
func (a *Authority) IssueLeaf(hostname string) (*Leaf, error) {
	host := cacheKey(hostname)
	if host == "" {
		return nil, &IssuanceError{Hostname: hostname, Err: errors.New("empty hostname")}
	}
	if leaf, ok := a.cached(host); ok {
		if a.opts.Metrics != nil {
			a.opts.Metrics.IncLeafCacheHit()
		}
		return leaf, nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		// a previous flight may have stored it after our lookup
		if leaf, ok := a.cached(host); ok {
			return leaf, nil
		}
		leaf, err := a.generate(host)
		if err != nil {
			return nil, err
		}
		a.store(leaf)
		if a.opts.Metrics != nil {
			a.opts.Metrics.IncLeafIssued()
		}
		return leaf, nil
	})
	if err != nil {
		return nil, &IssuanceError{Hostname: host, Err: err}
	}
	return v.(*Leaf), nil
}

func (a *Authority) cached(host string) (*Leaf, bool) {
	v, ok := a.cache.Get(host)
	if !ok {
		return nil, false
	}
	leaf := v.(*Leaf)
	if !a.opts.Now().Before(leaf.NotAfter.Add(-a.opts.RenewBefore)) {
		a.cache.Delete(host)
		return nil, false
	}
	return leaf, true
}

func (a *Authority) store(leaf *Leaf) {
	a.cache.DeleteExpired()
	if a.cache.ItemCount() >= a.opts.MaxEntries {
		var (
			victim  string
			soonest int64 = math.MaxInt64
		)
		for k, it := range a.cache.Items() {
			if it.Expiration < soonest {
				victim, soonest = k, it.Expiration
			}
		}
		if victim != "" {
			a.cache.Delete(victim)
		}
	}
	ttl := leaf.NotAfter.Add(-a.opts.RenewBefore).Sub(a.opts.Now())
	a.cache.Set(leaf.Hostname, leaf, ttl)
}

func (a *Authority) generate(host string) (*Leaf, error) {
	now := a.opts.Now()
	notBefore := now.Add(-1 * time.Hour)
	notAfter := now.Add(a.opts.Validity)
	if notAfter.After(a.root.Cert.NotAfter) {
		notAfter = a.root.Cert.NotAfter
	}
	if !notAfter.After(now) {
		return nil, errors.New("root certificate has expired")
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.root.Cert, &priv.PublicKey, a.root.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}
	return &Leaf{
		Hostname: host,
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        parsed,
		},
		NotBefore: parsed.NotBefore,
		NotAfter:  parsed.NotAfter,
	}, nil
}

const trustCheckHost = "trust-check.snimap.invalid"

// CheckSystemTrust issues a throwaway leaf and verifies it against the
// operating system trust store, the way a client on this machine would.
func (a *Authority) CheckSystemTrust() error {
	sample, err := a.generate(trustCheckHost)
	if err != nil {
		return err
	}
	if err := a.root.TrustedBySystem(); err != nil {
		return err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		return fmt.Errorf("load system roots: %w", err)
	}
	_, err = sample.Certificate.Leaf.Verify(x509.VerifyOptions{
		DNSName: trustCheckHost,
		Roots:   pool,
	})
	return err
}
