// Package config loads the YAML interception config and flattens it into a
// policy.Set.
//
// The file is a tree of global defaults, groups and per-host mappings:
//
//	enable: true        # default for every mapping
//	enable_sni: false   # false strips the outbound SNI, true forwards it
//	groups:
//	  - name: Wikipedia
//	    dns:
//	      - hostname: wikipedia.org
//	      - hostname: pixiv.net
//	        sni_override: fanbox.cc
//	        address: 210.140.131.219
//
// sni_override wins over enable_sni at the same level; an empty sni_override
// strips the extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jnovack/snimap/pkg/policy"
)

// Config is the on-disk document.
type Config struct {
	Enable    *bool   `yaml:"enable,omitempty" json:"enable,omitempty"`
	EnableSNI *bool   `yaml:"enable_sni,omitempty" json:"enable_sni,omitempty"`
	Groups    []Group `yaml:"groups" json:"groups"`
}

// Group is a named set of mappings.
type Group struct {
	Name        string    `yaml:"name" json:"name"`
	Enable      *bool     `yaml:"enable,omitempty" json:"enable,omitempty"`
	EnableSNI   *bool     `yaml:"enable_sni,omitempty" json:"enable_sni,omitempty"`
	SNIOverride *string   `yaml:"sni_override,omitempty" json:"sni_override,omitempty"`
	DNS         []Mapping `yaml:"dns" json:"dns"`
}

// Mapping configures one hostname.
type Mapping struct {
	Hostname    string  `yaml:"hostname" json:"hostname"`
	Enable      *bool   `yaml:"enable,omitempty" json:"enable,omitempty"`
	EnableSNI   *bool   `yaml:"enable_sni,omitempty" json:"enable_sni,omitempty"`
	SNIOverride *string `yaml:"sni_override,omitempty" json:"sni_override,omitempty"`
	Address     string  `yaml:"address,omitempty" json:"address,omitempty"`
}

// Error reports a config file that could not be read or decoded.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, &Error{Err: err}
	}
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	c, err := Parse(b)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return c, nil
}

// LoadOrCreate loads path, writing Default() there first when it does not
// exist. created reports whether the file was written.
func LoadOrCreate(path string) (c *Config, created bool, err error) {
	c, err = Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return c, false, err
	}
	c = Default()
	if err := c.Save(path); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the config atomically, creating parent directories.
func (c *Config) Save(path string) error {
	b, err := c.Marshal()
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Path: path, Err: err}
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &Error{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &Error{Path: path, Err: err}
	}
	return nil
}

// Defaults returns the global policy defaults. enable defaults to true and
// enable_sni to false, so an empty file strips SNI for every mapping.
func (c *Config) Defaults() policy.Defaults {
	d := policy.Defaults{Intercept: true, RewriteSNI: true}
	if c.Enable != nil {
		d.Intercept = *c.Enable
	}
	if c.EnableSNI != nil {
		d.RewriteSNI = !*c.EnableSNI
	}
	return d
}

// PolicySet flattens the document into an immutable rule set.
func (c *Config) PolicySet() (*policy.Set, error) {
	groups := make([]policy.Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		pg := policy.Group{
			Name:     g.Name,
			Enabled:  g.Enable,
			SNI:      sniDecision(g.EnableSNI, g.SNIOverride),
			Mappings: make([]policy.Mapping, 0, len(g.DNS)),
		}
		for _, m := range g.DNS {
			pg.Mappings = append(pg.Mappings, policy.Mapping{
				Hostname: m.Hostname,
				Enabled:  m.Enable,
				SNI:      sniDecision(m.EnableSNI, m.SNIOverride),
				Address:  m.Address,
			})
		}
		groups = append(groups, pg)
	}
	return policy.New(c.Defaults(), groups)
}

func sniDecision(enableSNI *bool, override *string) *policy.SNI {
	switch {
	case override != nil:
		return policy.Replace(*override)
	case enableSNI == nil:
		return nil
	case *enableSNI:
		return policy.Keep()
	default:
		return policy.Strip()
	}
}
