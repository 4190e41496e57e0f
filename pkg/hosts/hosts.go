// Package hosts maintains a managed block of entries in the OS hosts file so
// intercepted hostnames resolve to the proxy.
package hosts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

// Marker delimits the managed block; it appears on the line before and after.
const Marker = "# Auto Generate by snimap"

// DefaultPath returns the platform hosts file location.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return filepath.Join(root, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// Render returns existing with any managed block removed and a new block
// mapping hostnames to addr appended. Wildcard patterns cannot be expressed
// in a hosts file and are skipped. No block is written when nothing remains.
func Render(existing string, hostnames []string, addr string) string {
	lines := strip(existing)

	names := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if h == "" || strings.Contains(h, "*") {
			continue
		}
		names = append(names, h)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	if len(names) > 0 {
		lines = append(lines, Marker)
		for _, h := range names {
			lines = append(lines, addr+"\t"+h)
		}
		lines = append(lines, Marker)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// strip drops the managed block and trailing blank lines.
func strip(existing string) []string {
	existing = strings.ReplaceAll(existing, "\r\n", "\n")
	var out []string
	inBlock := false
	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == Marker {
			inBlock = !inBlock
			continue
		}
		if !inBlock {
			out = append(out, line)
		}
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return out
}

// Apply rewrites the hosts file at path with a managed block for hostnames.
func Apply(path string, hostnames []string, addr string) error {
	return rewrite(path, func(existing string) string {
		return Render(existing, hostnames, addr)
	})
}

// Restore removes the managed block from the hosts file at path.
func Restore(path string) error {
	return rewrite(path, func(existing string) string {
		return Render(existing, nil, "")
	})
}

func rewrite(path string, fn func(string) string) error {
	mode := fs.FileMode(0o644)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if st, serr := os.Stat(path); serr == nil {
			mode = st.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("hosts: read %s: %w", path, err)
	}

	updated := fn(string(data))
	if updated == string(data) {
		return nil
	}
	if err := writeAtomic(path, []byte(updated), mode); err != nil {
		return fmt.Errorf("hosts: write %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("hosts file updated")
	return nil
}

func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hosts-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		// bind-mounted files (containers) cannot be replaced
		log.Warn().Err(err).Str("path", path).Msg("rename failed, writing in place")
		return os.WriteFile(path, data, mode)
	}
	return nil
}
