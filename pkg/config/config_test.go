package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/snimap/pkg/policy"
	"github.com/jnovack/snimap/pkg/resolver"
)

const sample = `
enable_sni: false
groups:
  - name: Wikipedia
    dns:
      - hostname: wikipedia.org
      - hostname: "*.wikipedia.org"
  - name: Pixiv
    enable_sni: true
    dns:
      - hostname: pixiv.net
        sni_override: fanbox.cc
        address: 210.140.131.219
      - hostname: www.pixiv.net
      - hostname: i.pximg.net
        enable: false
  - name: Empty
    sni_override: ""
    dns:
      - hostname: example.org
        enable_sni: true
`

func TestParseAndFlatten(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, c.Groups, 3)

	set, err := c.PolicySet()
	require.NoError(t, err)

	wiki := set.Resolve("wikipedia.org")
	assert.True(t, wiki.Enabled)
	assert.Equal(t, "strip", wiki.SNIMode())
	assert.Equal(t, "strip", set.Resolve("en.wikipedia.org").SNIMode())

	pixiv := set.Resolve("pixiv.net")
	require.NotNil(t, pixiv.SNIOverride)
	assert.Equal(t, "fanbox.cc", *pixiv.SNIOverride)
	assert.Equal(t, "210.140.131.219", pixiv.Address)

	assert.Equal(t, "keep", set.Resolve("www.pixiv.net").SNIMode(), "group enable_sni inherited")
	assert.False(t, set.Resolve("i.pximg.net").Enabled)

	// mapping enable_sni beats the group's sni_override
	assert.Equal(t, "keep", set.Resolve("example.org").SNIMode())
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, policy.Defaults{Intercept: true, RewriteSNI: true}, c.Defaults())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("groups: []\nbogus: 1\n"))
	require.Error(t, err)
	var ce *Error
	assert.True(t, errors.As(err, &ce))
}

func TestPolicySetDuplicate(t *testing.T) {
	c, err := Parse([]byte(`
groups:
  - name: a
    dns: [{hostname: x.test}]
  - name: b
    dns: [{hostname: X.TEST}]
`))
	require.NoError(t, err)
	_, err = c.PolicySet()
	var pe *policy.ConfigError
	require.True(t, errors.As(err, &pe), "got %v", err)
}

func TestLoadOrCreateWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snimap.yaml")

	c, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, c.Groups, len(Default().Groups))

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.Groups[0].Name, again.Groups[0].Name)

	set, err := again.PolicySet()
	require.NoError(t, err)
	assert.Contains(t, set.Hostnames(), "github.com")
	assert.Equal(t, "strip", set.Resolve("github.com").SNIMode())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMarshalRoundTripKeepsEmptyOverride(t *testing.T) {
	empty := ""
	c := &Config{Groups: []Group{{Name: "g", DNS: []Mapping{{Hostname: "a.test", SNIOverride: &empty}}}}}
	b, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), "sni_override: \"\"")
}

func TestPinAddresses(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	reso := resolver.Func(func(_ context.Context, host string) ([]string, error) {
		switch host {
		case "wikipedia.org":
			return []string{"2001:db8::1", "198.51.100.7"}, nil
		case "www.pixiv.net":
			return []string{"2001:db8::2"}, nil
		}
		return nil, &resolver.ResolutionError{Host: host, Err: resolver.ErrNoAddresses}
	})
	pinned, err := c.PinAddresses(context.Background(), reso)
	assert.Equal(t, 2, pinned)
	require.Error(t, err, "i.pximg.net fails")
	assert.Contains(t, err.Error(), "i.pximg.net")

	assert.Equal(t, "198.51.100.7", c.Groups[0].DNS[0].Address, "IPv4 preferred")
	assert.Equal(t, "", c.Groups[0].DNS[1].Address, "wildcards are not pinned")
	assert.Equal(t, "210.140.131.219", c.Groups[1].DNS[0].Address, "existing pin kept")
	assert.Equal(t, "2001:db8::2", c.Groups[1].DNS[1].Address)
	assert.Equal(t, "", c.Groups[1].DNS[2].Address)

	path := filepath.Join(t.TempDir(), "snimap.yaml")
	require.NoError(t, c.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", back.Groups[0].DNS[0].Address)
}
