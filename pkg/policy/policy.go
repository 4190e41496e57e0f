// Package policy resolves the interception decision for a hostname.
//
// A Set is built once at startup from global defaults and a list of groups,
// each group holding hostname mappings. Every field is inherited
// independently: a mapping value wins over its group, and a group value
// wins over the global defaults. A Set is immutable after New returns and is
// safe for concurrent use.
package policy

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Defaults are the global values a mapping inherits when neither the mapping
// nor its group sets a field.
type Defaults struct {
	// Intercept is the default for Rule.Enabled.
	Intercept bool `json:"intercept" yaml:"intercept"`
	// RewriteSNI makes the default outbound decision "strip the SNI".
	// When false the client's server name is forwarded unchanged.
	RewriteSNI bool `json:"rewrite_sni" yaml:"rewrite_sni"`
}

// SNI is an explicit outbound SNI decision. A nil *SNI inherits.
type SNI struct {
	// Override nil keeps the client's server name, "" strips it, any other
	// value replaces it.
	Override *string
}

// Keep forwards the client's server name.
func Keep() *SNI { return &SNI{} }

// Strip omits the server_name extension outbound.
func Strip() *SNI { return Replace("") }

// Replace sends v as the outbound server name.
func Replace(v string) *SNI { return &SNI{Override: &v} }

// Mapping configures a single hostname (or a "*.suffix" wildcard).
type Mapping struct {
	Hostname string
	Enabled  *bool
	SNI      *SNI
	// Address pins the origin IP, bypassing the resolver.
	Address string
}

// Group is a named collection of mappings sharing defaults.
type Group struct {
	Name     string
	Enabled  *bool
	SNI      *SNI
	Mappings []Mapping
}

// Rule is the effective decision for one hostname.
type Rule struct {
	Hostname string `json:"hostname"`
	// Pattern is the configured key that matched (equal to Hostname for
	// exact mappings, "*.suffix" for wildcards, empty when unmatched).
	Pattern     string  `json:"pattern,omitempty"`
	Group       string  `json:"group,omitempty"`
	Enabled     bool    `json:"enabled"`
	SNIOverride *string `json:"sni_override,omitempty"`
	Address     string  `json:"address,omitempty"`
	Matched     bool    `json:"matched"`
}

// OutboundSNI returns the server name to send upstream given the name the
// client sent. ok is false when the extension must be omitted.
func (r Rule) OutboundSNI(clientSNI string) (name string, ok bool) {
	if r.SNIOverride == nil {
		return clientSNI, clientSNI != ""
	}
	return *r.SNIOverride, *r.SNIOverride != ""
}

// SNIMode describes the outbound decision for logs: keep, strip or replace.
func (r Rule) SNIMode() string {
	switch {
	case r.SNIOverride == nil:
		return "keep"
	case *r.SNIOverride == "":
		return "strip"
	default:
		return "replace"
	}
}

// ConfigError reports an invalid rule set.
type ConfigError struct {
	Hostname string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Hostname == "" {
		return "policy: " + e.Reason
	}
	return fmt.Sprintf("policy: %s: %s", e.Hostname, e.Reason)
}

// Set is an immutable, resolved rule set.
type Set struct {
	defaults  Defaults
	exact     map[string]Rule
	wildcards []wildcard // longest suffix first
}

type wildcard struct {
	suffix string // ".example.com"
	rule   Rule
}

// Normalize lowercases a hostname and trims surrounding space and a trailing dot.
func Normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// New flattens groups into a Set. Duplicate hostnames, malformed wildcards
// and non-IP pinned addresses are rejected with a *ConfigError.
func New(defaults Defaults, groups []Group) (*Set, error) {
	s := &Set{defaults: defaults, exact: make(map[string]Rule)}
	seen := make(map[string]string)

	for _, g := range groups {
		for _, m := range g.Mappings {
			host := Normalize(m.Hostname)
			if err := validateHostname(host); err != nil {
				return nil, &ConfigError{Hostname: m.Hostname, Reason: err.Error()}
			}
			if prev, dup := seen[host]; dup {
				return nil, &ConfigError{Hostname: host, Reason: fmt.Sprintf("duplicate mapping (groups %q and %q)", prev, g.Name)}
			}
			seen[host] = g.Name

			addr := strings.TrimSpace(m.Address)
			if addr != "" && net.ParseIP(addr) == nil {
				return nil, &ConfigError{Hostname: host, Reason: fmt.Sprintf("address %q is not an IP address", addr)}
			}

			rule := Rule{
				Pattern:     host,
				Group:       g.Name,
				Enabled:     pickBool(m.Enabled, g.Enabled, defaults.Intercept),
				SNIOverride: pickSNI(m.SNI, g.SNI, defaults.RewriteSNI),
				Address:     addr,
				Matched:     true,
			}
			if strings.HasPrefix(host, "*.") {
				s.wildcards = append(s.wildcards, wildcard{suffix: host[1:], rule: rule})
				continue
			}
			s.exact[host] = rule
		}
	}

	sort.SliceStable(s.wildcards, func(i, j int) bool {
		return len(s.wildcards[i].suffix) > len(s.wildcards[j].suffix)
	})
	return s, nil
}

func validateHostname(host string) error {
	if host == "" {
		return fmt.Errorf("empty hostname")
	}
	if strings.ContainsAny(host, " \t/:") {
		return fmt.Errorf("invalid character in hostname")
	}
	if i := strings.LastIndex(host, "*"); i >= 0 {
		if i != 0 || !strings.HasPrefix(host, "*.") || len(host) < 3 {
			return fmt.Errorf("wildcard must be a leading \"*.\" label")
		}
	}
	if strings.Contains(host, "..") || strings.HasPrefix(host, ".") {
		return fmt.Errorf("empty label in hostname")
	}
	return nil
}

func pickBool(mapping, group *bool, def bool) bool {
	if mapping != nil {
		return *mapping
	}
	if group != nil {
		return *group
	}
	return def
}

func pickSNI(mapping, group *SNI, rewrite bool) *string {
	src := mapping
	if src == nil {
		src = group
	}
	if src == nil {
		if rewrite {
			empty := ""
			return &empty
		}
		return nil
	}
	if src.Override == nil {
		return nil
	}
	v := *src.Override
	return &v
}

// Resolve returns the most specific rule for hostname. An exact mapping beats
// any wildcard and a longer wildcard suffix beats a shorter one. Hostnames
// with no mapping get a disabled, unmatched rule.
func (s *Set) Resolve(hostname string) Rule {
	host := Normalize(hostname)
	if s != nil && host != "" {
		if r, ok := s.exact[host]; ok {
			r.Hostname = host
			return r
		}
		for _, w := range s.wildcards {
			if len(host) > len(w.suffix) && strings.HasSuffix(host, w.suffix) {
				r := w.rule
				r.Hostname = host
				return r
			}
		}
	}
	return Rule{Hostname: host}
}

// Defaults returns the global defaults the set was built with.
func (s *Set) Defaults() Defaults { return s.defaults }

// Hostnames returns the exact (non-wildcard) hostnames of enabled rules, sorted.
func (s *Set) Hostnames() []string {
	out := make([]string, 0, len(s.exact))
	for h, r := range s.exact {
		if r.Enabled {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Rules returns every configured rule, exact ones first, for inspection.
func (s *Set) Rules() []Rule {
	out := make([]Rule, 0, len(s.exact)+len(s.wildcards))
	for h, r := range s.exact {
		r.Hostname = h
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	for _, w := range s.wildcards {
		r := w.rule
		r.Hostname = r.Pattern
		out = append(out, r)
	}
	return out
}
