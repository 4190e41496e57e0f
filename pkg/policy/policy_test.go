package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolp(b bool) *bool { return &b }

func mustSet(t *testing.T, d Defaults, groups ...Group) *Set {
	t.Helper()
	s, err := New(d, groups)
	require.NoError(t, err)
	return s
}

func TestResolveExactBeatsWildcard(t *testing.T) {
	s := mustSet(t, Defaults{Intercept: true, RewriteSNI: true}, Group{
		Name: "wiki",
		Mappings: []Mapping{
			{Hostname: "*.wikipedia.org"},
			{Hostname: "zh.wikipedia.org", SNI: Keep()},
		},
	})

	r := s.Resolve("zh.wikipedia.org")
	assert.True(t, r.Matched)
	assert.Equal(t, "zh.wikipedia.org", r.Pattern)
	assert.Nil(t, r.SNIOverride, "exact mapping keeps SNI")

	r = s.Resolve("en.wikipedia.org")
	assert.True(t, r.Matched)
	assert.Equal(t, "*.wikipedia.org", r.Pattern)
	require.NotNil(t, r.SNIOverride)
	assert.Equal(t, "", *r.SNIOverride, "wildcard inherits strip default")
}

func TestResolveLongestWildcardWins(t *testing.T) {
	s := mustSet(t, Defaults{Intercept: true}, Group{
		Name: "g",
		Mappings: []Mapping{
			{Hostname: "*.example.com", SNI: Replace("short.test")},
			{Hostname: "*.cdn.example.com", SNI: Replace("long.test")},
		},
	})
	r := s.Resolve("img.cdn.example.com")
	require.NotNil(t, r.SNIOverride)
	assert.Equal(t, "long.test", *r.SNIOverride)

	r = s.Resolve("www.example.com")
	require.NotNil(t, r.SNIOverride)
	assert.Equal(t, "short.test", *r.SNIOverride)

	// wildcard does not cover the apex
	assert.False(t, s.Resolve("example.com").Matched)
}

func TestResolveUnmatchedIsDisabled(t *testing.T) {
	s := mustSet(t, Defaults{Intercept: true, RewriteSNI: true})
	r := s.Resolve("Example.COM.")
	assert.False(t, r.Matched)
	assert.False(t, r.Enabled)
	assert.Equal(t, "example.com", r.Hostname)
	assert.Nil(t, r.SNIOverride)
}

func TestFieldLevelInheritance(t *testing.T) {
	s := mustSet(t, Defaults{Intercept: true, RewriteSNI: true},
		Group{
			Name:    "off",
			Enabled: boolp(false),
			SNI:     Replace("front.test"),
			Mappings: []Mapping{
				{Hostname: "a.test"},
				{Hostname: "b.test", Enabled: boolp(true)},
				{Hostname: "c.test", SNI: Keep()},
			},
		},
		Group{
			Name:     "defaults",
			Mappings: []Mapping{{Hostname: "d.test"}},
		},
	)

	a := s.Resolve("a.test")
	assert.False(t, a.Enabled)
	require.NotNil(t, a.SNIOverride)
	assert.Equal(t, "front.test", *a.SNIOverride)

	b := s.Resolve("b.test")
	assert.True(t, b.Enabled, "mapping enable overrides group")
	assert.Equal(t, "front.test", *b.SNIOverride, "sni still inherited from group")

	c := s.Resolve("c.test")
	assert.Nil(t, c.SNIOverride, "mapping keep overrides group replace")

	d := s.Resolve("d.test")
	assert.True(t, d.Enabled)
	require.NotNil(t, d.SNIOverride)
	assert.Equal(t, "", *d.SNIOverride)
	assert.Equal(t, "defaults", d.Group)
}

func TestOutboundSNI(t *testing.T) {
	cases := []struct {
		name   string
		rule   Rule
		client string
		want   string
		ok     bool
		mode   string
	}{
		{"keep", Rule{}, "wikipedia.org", "wikipedia.org", true, "keep"},
		{"keep-none", Rule{}, "", "", false, "keep"},
		{"strip", Rule{SNIOverride: Strip().Override}, "wikipedia.org", "", false, "strip"},
		{"replace", Rule{SNIOverride: Replace("fanbox.cc").Override}, "pixiv.net", "fanbox.cc", true, "replace"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := c.rule.OutboundSNI(c.client)
			assert.Equal(t, c.want, got)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.mode, c.rule.SNIMode())
		})
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		groups []Group
	}{
		{"duplicate", []Group{
			{Name: "a", Mappings: []Mapping{{Hostname: "x.test"}}},
			{Name: "b", Mappings: []Mapping{{Hostname: "X.test."}}},
		}},
		{"empty", []Group{{Name: "a", Mappings: []Mapping{{Hostname: " "}}}}},
		{"mid-wildcard", []Group{{Name: "a", Mappings: []Mapping{{Hostname: "a.*.test"}}}}},
		{"bare-wildcard", []Group{{Name: "a", Mappings: []Mapping{{Hostname: "*"}}}}},
		{"bad-address", []Group{{Name: "a", Mappings: []Mapping{{Hostname: "x.test", Address: "not-an-ip"}}}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(Defaults{}, c.groups)
			require.Error(t, err)
			var ce *ConfigError
			assert.True(t, errors.As(err, &ce), "expected *ConfigError, got %T", err)
		})
	}
}

func TestHostnamesAndRules(t *testing.T) {
	s := mustSet(t, Defaults{Intercept: true}, Group{
		Name: "g",
		Mappings: []Mapping{
			{Hostname: "b.test", Address: "192.0.2.1"},
			{Hostname: "a.test"},
			{Hostname: "off.test", Enabled: boolp(false)},
			{Hostname: "*.w.test"},
		},
	})
	assert.Equal(t, []string{"a.test", "b.test"}, s.Hostnames())
	assert.Len(t, s.Rules(), 4)
	assert.Equal(t, "192.0.2.1", s.Resolve("B.TEST").Address)
}

func TestNilSetResolves(t *testing.T) {
	var s *Set
	r := s.Resolve("a.test")
	assert.False(t, r.Matched)
}
