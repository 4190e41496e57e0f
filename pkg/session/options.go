package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/snimap/pkg/ca"
	"github.com/jnovack/snimap/pkg/netx"
	"github.com/jnovack/snimap/pkg/policy"
	"github.com/jnovack/snimap/pkg/resolver"
)

const (
	DefaultPeekTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
)

// Issuer supplies forged leaves; *ca.Authority implements it.
type Issuer interface {
	IssueLeaf(hostname string) (*ca.Leaf, error)
}

// Dialer opens origin connections; *netx.Network implements it.
type Dialer interface {
	DialTLS(ctx context.Context, req netx.TLSRequest) (netx.TLSConn, error)
	DialTCP(ctx context.Context, address string) (net.Conn, error)
}

// Metrics receives per-session counters. *admin.Metrics implements it.
type Metrics interface {
	IncSessions()
	IncIntercepted()
	IncPassThrough()
	IncAborted(reason string)
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveDuration(outcome string, seconds float64)
}

// Options configure every session served by an Engine.
type Options struct {
	Policy *policy.Set
	Issuer Issuer
	Dialer Dialer

	// Resolver locates intercepted origins unless the rule pins an address.
	Resolver resolver.Resolver
	// PassThroughResolver locates pass-through targets; the system
	// resolver when nil. Pinned addresses never apply to it.
	PassThroughResolver resolver.Resolver

	// NoSNIHost, when set, is the hostname assumed for clients that send
	// no server name.
	NoSNIHost string
	// OriginalDestination recovers the pre-redirect address of an
	// SNI-less connection. Defaults to SO_ORIGINAL_DST where supported.
	OriginalDestination func(net.Conn) (string, error)

	// OriginPort is the port intercepted origins are dialed on, "443"
	// when empty.
	OriginPort string

	// ListenAddr is the proxy's own address; targets equal to it are
	// refused.
	ListenAddr string

	PeekTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	Metrics  Metrics
	Observer Observer
}

// ErrLoop is returned when a target resolves to the proxy itself.
var ErrLoop = errors.New("target is this proxy")

// ErrNoDestination is returned for an SNI-less connection whose original
// destination is unknown.
var ErrNoDestination = errors.New("no server name and no original destination")

func (o *Options) validate() error {
	if o.Issuer == nil {
		return errors.New("session: issuer is required")
	}
	if o.Dialer == nil {
		return errors.New("session: dialer is required")
	}
	return nil
}

func (o *Options) peekTimeout() time.Duration {
	if o.PeekTimeout > 0 {
		return o.PeekTimeout
	}
	return DefaultPeekTimeout
}

func (o *Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

func (o *Options) idleTimeout() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (o *Options) originPort() string {
	if o.OriginPort != "" {
		return o.OriginPort
	}
	return "443"
}

func (o *Options) passThroughResolver() resolver.Resolver {
	if o.PassThroughResolver != nil {
		return o.PassThroughResolver
	}
	return resolver.System{}
}

func (o *Options) originalDestination() func(net.Conn) (string, error) {
	if o.OriginalDestination != nil {
		return o.OriginalDestination
	}
	return originalDestination
}

// Record summarizes a finished session for observers.
type Record struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Client      string    `json:"client"`
	SNI         string    `json:"sni"`
	Hostname    string    `json:"hostname"`
	Pattern     string    `json:"pattern,omitempty"`
	Group       string    `json:"group,omitempty"`
	Mode        string    `json:"mode"`
	SNIMode     string    `json:"sni_mode,omitempty"`
	OutboundSNI string    `json:"outbound_sni,omitempty"`
	Target      string    `json:"target,omitempty"`
	ALPN        string    `json:"alpn,omitempty"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	BytesUp     int64     `json:"bytes_up"`
	BytesDown   int64     `json:"bytes_down"`
	Seconds     float64   `json:"seconds"`
}

// Observer receives Records. It is called asynchronously.
type Observer func(Record)

func notifyObserver(obs Observer, rec Record) {
	if obs == nil {
		return
	}
	go func(r Record) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("connection_id", r.ID).
					Str("hostname", r.Hostname).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}
