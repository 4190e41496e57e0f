package config

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jnovack/snimap/pkg/resolver"
)

// pinConcurrency bounds parallel lookups in PinAddresses.
const pinConcurrency = 8

// PinAddresses resolves every mapping without an address through reso and
// stores the first answer, preferring IPv4. Wildcards are skipped. A failed
// lookup leaves its mapping unpinned; all failures are joined into err.
// pinned counts the mappings that gained an address.
func (c *Config) PinAddresses(ctx context.Context, reso resolver.Resolver) (pinned int, err error) {
	var (
		mu   sync.Mutex
		errv []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pinConcurrency)
	for gi := range c.Groups {
		for mi := range c.Groups[gi].DNS {
			m := &c.Groups[gi].DNS[mi]
			host := strings.TrimSpace(m.Hostname)
			if m.Address != "" || host == "" || strings.Contains(host, "*") {
				continue
			}
			g.Go(func() error {
				addrs, lerr := reso.LookupHost(ctx, host)
				mu.Lock()
				defer mu.Unlock()
				if lerr != nil {
					errv = append(errv, lerr)
					return nil
				}
				if addr := preferIPv4(addrs); addr != "" {
					m.Address = addr
					pinned++
					log.Info().Str("hostname", host).Str("address", addr).Msg("pinned address")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return pinned, errors.Join(errv...)
}

func preferIPv4(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}
