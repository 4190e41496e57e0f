package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/rbmk-project/dnscore"
)

// DNS queries a single server for A and AAAA records.
type DNS struct {
	// Server is host:port.
	Server string
	// Net is "udp", "tcp" or "tcp-tls".
	Net       string
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// LookupHost implements Resolver.
func (d *DNS) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	client := &dns.Client{Net: d.Net, Timeout: d.Timeout, TLSConfig: d.TLSConfig}
	if d.Net == "tcp-tls" && client.TLSConfig == nil {
		h, _, _ := net.SplitHostPort(d.Server)
		client.TLSConfig = &tls.Config{ServerName: h, MinVersion: tls.VersionTLS12}
	}

	var (
		addrs []string
		errv  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, err := d.exchange(ctx, client, host, qtype)
		if err != nil {
			errv = append(errv, err)
			continue
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) == 0 {
		if len(errv) == 0 {
			errv = append(errv, ErrNoAddresses)
		}
		return nil, &ResolutionError{Host: host, Err: errors.Join(errv...)}
	}
	return addrs, nil
}

func (d *DNS) exchange(ctx context.Context, client *dns.Client, host string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s query: rcode %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}
	return answers(resp), nil
}

func answers(resp *dns.Msg) []string {
	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out
}

// DoH resolves over DNS-over-HTTPS.
type DoH struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// LookupHost implements Resolver.
func (d *DoH) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	reso := dnscore.NewResolver()
	reso.Config = dnscore.NewConfig()
	reso.Config.AddServer(dnscore.NewServerAddr(dnscore.ProtocolDoH, d.URL))
	reso.Transport = &dnscore.Transport{HTTPClient: client}

	addrs, err := reso.LookupHost(ctx, host)
	if err != nil {
		return nil, wrap(host, err)
	}
	if len(addrs) == 0 {
		return nil, wrap(host, ErrNoAddresses)
	}
	return addrs, nil
}
