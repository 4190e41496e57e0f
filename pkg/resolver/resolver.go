// Package resolver implements the hostname lookup capability used for
// outbound dials: the system resolver, plain DNS (UDP, TCP, DNS over TLS),
// DNS over HTTPS, pinned addresses, a TTL cache and a fallback chain.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Resolver maps a hostname to IP address strings.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, host string) ([]string, error)

// LookupHost implements Resolver.
func (f Func) LookupHost(ctx context.Context, host string) ([]string, error) {
	return f(ctx, host)
}

// ResolutionError reports a hostname that could not be resolved.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ErrNoAddresses is returned when a lookup succeeds with an empty answer.
var ErrNoAddresses = errors.New("no addresses")

func wrap(host string, err error) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	return &ResolutionError{Host: host, Err: err}
}

// System uses the operating system resolver.
type System struct {
	Resolver *net.Resolver
}

// LookupHost implements Resolver.
func (s System) LookupHost(ctx context.Context, host string) ([]string, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, wrap(host, err)
	}
	if len(addrs) == 0 {
		return nil, wrap(host, ErrNoAddresses)
	}
	return addrs, nil
}

// Static answers from a fixed table and fails for anything else.
type Static map[string][]string

// LookupHost implements Resolver.
func (s Static) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := s[normalize(host)]; ok && len(addrs) > 0 {
		return append([]string(nil), addrs...), nil
	}
	return nil, wrap(host, ErrNoAddresses)
}

// Chain tries each resolver in order and returns the first answer.
type Chain []Resolver

// LookupHost implements Resolver.
func (c Chain) LookupHost(ctx context.Context, host string) ([]string, error) {
	var errv []error
	for _, r := range c {
		addrs, err := r.LookupHost(ctx, host)
		if err == nil {
			return addrs, nil
		}
		errv = append(errv, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errv) == 0 {
		errv = append(errv, ErrNoAddresses)
	}
	return nil, &ResolutionError{Host: host, Err: errors.Join(errv...)}
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// New builds a resolver from a target string:
//
//	system (or empty)          operating system resolver
//	dns://1.1.1.1[:53]         plain DNS over UDP
//	tcp://1.1.1.1[:53]         plain DNS over TCP
//	tls://1.1.1.1[:853]        DNS over TLS
//	https://host/dns-query     DNS over HTTPS
func New(target string, timeout time.Duration) (Resolver, error) {
	target = strings.TrimSpace(target)
	if target == "" || target == "system" {
		return System{}, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("resolver %q: %w", target, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("resolver %q: missing server address", target)
	}
	switch u.Scheme {
	case "dns", "udp":
		return &DNS{Server: withPort(u.Host, "53"), Net: "udp", Timeout: timeout}, nil
	case "tcp":
		return &DNS{Server: withPort(u.Host, "53"), Net: "tcp", Timeout: timeout}, nil
	case "tls", "dot":
		return &DNS{Server: withPort(u.Host, "853"), Net: "tcp-tls", Timeout: timeout}, nil
	case "https":
		return &DoH{URL: u.String(), Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("resolver %q: unsupported scheme %q", target, u.Scheme)
	}
}

// NewList builds a resolver from a comma-separated list of targets. More
// than one target yields a Chain tried in order.
func NewList(targets string, timeout time.Duration) (Resolver, error) {
	var chain Chain
	for _, t := range strings.Split(targets, ",") {
		if strings.TrimSpace(t) == "" {
			continue
		}
		r, err := New(t, timeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	switch len(chain) {
	case 0:
		return System{}, nil
	case 1:
		return chain[0], nil
	}
	return chain, nil
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}
