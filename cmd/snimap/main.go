package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"github.com/jnovack/flag"
	"github.com/jnovack/snimap/pkg/admin"
	"github.com/jnovack/snimap/pkg/ca"
	"github.com/jnovack/snimap/pkg/config"
	"github.com/jnovack/snimap/pkg/hosts"
	"github.com/jnovack/snimap/pkg/logging"
	"github.com/jnovack/snimap/pkg/netx"
	"github.com/jnovack/snimap/pkg/policy"
	"github.com/jnovack/snimap/pkg/resolver"
	"github.com/jnovack/snimap/pkg/server"
	"github.com/jnovack/snimap/pkg/session"
	"github.com/jnovack/snimap/pkg/signals"
)

var (
	_ = flag.String("config", "", "flag config file (key value per line)")

	flagListen      = flag.String("listen", "127.0.0.1:443", "proxy listen address")
	flagAdminAddr   = flag.String("admin-addr", "127.0.0.1:8080", "admin HTTP listen address (empty disables)")
	flagPolicy      = flag.String("policy", "snimap.yaml", "policy file, created with defaults when missing")
	flagLogLevel    = flag.String("log-level", "info", "log level")
	flagLogFormat   = flag.String("log-format", "console", "log format: console or json")
	flagRootPem     = flag.String("root-pem", "root.pem", "combined root pem (cert+key)")
	flagRootCert    = flag.String("root-cert", "", "root cert file")
	flagRootKey     = flag.String("root-key", "", "root key file")
	flagGenerateCA  = flag.Bool("generate-ca", false, "generate a root CA into -root-pem when none exists")
	flagDN          = flag.String("dn", "CN=snimap Root CA,O=snimap", "distinguished name for a generated root CA")
	flagRequireRoot = flag.Bool("require-trusted-root", false, "exit when the root CA is not trusted by the system")

	flagResolver     = flag.String("resolver", "https://1.1.1.1/dns-query,https://dns.google/dns-query", "origin resolvers tried in order, comma-separated: system, dns://, tcp://, tls:// or https:// URL")
	flagPassResolver = flag.String("passthrough-resolver", "system", "resolver for pass-through targets")
	flagResolverTTL  = flag.Duration("resolver-cache-ttl", 5*time.Minute, "resolver cache lifetime (0 disables)")
	flagUpstream     = flag.String("upstream-proxy", "", "socks5://[user:pass@]host:port for outbound connections")
	flagTLSEngine    = flag.String("tls-engine", "stdlib", "outbound TLS engine: stdlib, utls, chrome, firefox, safari")
	flagVerify       = flag.String("verify", "strict", "origin verification: strict, chain-only, insecure")
	flagOriginPort   = flag.String("origin-port", "443", "port intercepted origins are dialed on")
	flagNoSNIHost    = flag.String("no-sni-host", "", "hostname assumed for clients sending no server name")
	flagPinAddresses = flag.Bool("pin-addresses", false, "resolve unpinned hostnames at startup and save their addresses to the policy file")

	flagLeafValidity = flag.Duration("leaf-validity", ca.DefaultLeafValidity, "forged leaf certificate lifetime")
	flagLeafCache    = flag.Int("leaf-cache-size", ca.DefaultMaxEntries, "maximum cached leaf certificates")

	flagPeekTimeout      = flag.Duration("peek-timeout", session.DefaultPeekTimeout, "time allowed for the ClientHello")
	flagHandshakeTimeout = flag.Duration("handshake-timeout", session.DefaultHandshakeTimeout, "TLS handshake timeout, both legs")
	flagDialTimeout      = flag.Duration("dial-timeout", netx.DefaultDialTimeout, "origin connect timeout")
	flagIdleTimeout      = flag.Duration("idle-timeout", session.DefaultIdleTimeout, "relay idle timeout")
	flagGrace            = flag.Duration("grace", 10*time.Second, "shutdown grace period")

	flagHostsFile = flag.Bool("hosts-file", false, "point intercepted hostnames at the proxy in the hosts file")
	flagHostsPath = flag.String("hosts-path", hosts.DefaultPath(), "hosts file location")
	flagHostsAddr = flag.String("hosts-addr", "127.0.0.1", "address written for each hostname")

	flagCaptureSize = flag.Int("capture-size", 1000, "recent sessions kept for /sessions")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel, *flagLogFormat)

	metrics := admin.NewMetrics()

	cfg, created, err := config.LoadOrCreate(*flagPolicy)
	if err != nil {
		log.Fatal().Err(err).Str("path", *flagPolicy).Msg("failed to load policy")
	}
	if created {
		log.Info().Str("path", *flagPolicy).Msg("wrote default policy")
	}

	originResolver := newResolver(*flagResolver)
	passResolver := newResolver(*flagPassResolver)

	if *flagPinAddresses {
		pinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pinned, err := cfg.PinAddresses(pinCtx, originResolver)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("some hostnames could not be pinned")
		}
		if pinned > 0 {
			if err := cfg.Save(*flagPolicy); err != nil {
				log.Fatal().Err(err).Msg("failed to save pinned addresses")
			}
			log.Info().Int("pinned", pinned).Str("path", *flagPolicy).Msg("saved pinned addresses")
		}
	}

	policies, err := cfg.PolicySet()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy")
	}

	root := loadRoot()
	auth, err := ca.NewAuthority(root, ca.Options{
		Validity:   *flagLeafValidity,
		MaxEntries: *flagLeafCache,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build certificate authority")
	}
	if err := auth.CheckSystemTrust(); err != nil {
		if *flagRequireRoot {
			log.Fatal().Err(err).Msg("root CA is not trusted by the system")
		}
		log.Warn().Err(err).Msg("root CA is not trusted by the system, clients will reject forged certificates")
	}

	engine, err := netx.NewTLSEngine(*flagTLSEngine)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid tls engine")
	}
	mode, err := netx.ParseVerifyMode(*flagVerify)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid verify mode")
	}
	if mode == netx.VerifyInsecure {
		log.Warn().Msg("origin certificates are not verified, any network path can impersonate intercepted hosts")
	}
	network := &netx.Network{
		Resolver:         passResolver,
		DialTimeout:      *flagDialTimeout,
		HandshakeTimeout: *flagHandshakeTimeout,
		TLSEngine:        engine,
		Verifier:         &netx.Verifier{Mode: mode},
	}
	if *flagUpstream != "" {
		network.Dialer = upstreamDialer(*flagUpstream)
	}

	capture := admin.NewCaptureStore(*flagCaptureSize)
	handler, err := session.NewEngine(session.Options{
		Policy:              policies,
		Issuer:              auth,
		Dialer:              network,
		Resolver:            originResolver,
		PassThroughResolver: passResolver,
		NoSNIHost:           *flagNoSNIHost,
		OriginPort:          *flagOriginPort,
		ListenAddr:          *flagListen,
		PeekTimeout:         *flagPeekTimeout,
		HandshakeTimeout:    *flagHandshakeTimeout,
		IdleTimeout:         *flagIdleTimeout,
		Metrics:             metrics,
		Observer:            capture.Add,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session engine")
	}

	// bind everything before touching the hosts file
	var adminSrv *http.Server
	if *flagAdminAddr != "" {
		var addr string
		adminSrv, addr, err = admin.Serve(*flagAdminAddr, admin.NewMux(admin.Options{
			Metrics: metrics,
			Capture: capture,
			Varz:    func() any { return varz(policies) },
			CertPEM: auth.CertPEM(),
			Leaves:  auth,
		}))
		if err != nil {
			log.Fatal().Err(err).Str("addr", *flagAdminAddr).Msg("failed to start admin HTTP")
		}
		log.Info().Str("addr", addr).Msg("admin HTTP started")
	}

	srv := &server.Server{Addr: *flagListen, Handler: handler}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", *flagListen).Msg("failed to start proxy listener")
	}
	log.Info().
		Str("addr", srv.ListenAddr()).
		Int("hostnames", len(policies.Hostnames())).
		Str("tls_engine", engine.Name()).
		Str("verify", string(mode)).
		Msg("snimap listening")

	if *flagHostsFile {
		if err := hosts.Apply(*flagHostsPath, policies.Hostnames(), *flagHostsAddr); err != nil {
			log.Error().Err(err).Msg("failed to update hosts file")
		}
	}

	ctx := signals.Setup(nil)
	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	if *flagHostsFile {
		if err := hosts.Restore(*flagHostsPath); err != nil {
			log.Error().Err(err).Msg("failed to restore hosts file")
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), *flagGrace)
	defer cancel()
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shCtx)
	}
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not finish cleanly")
	}
	log.Info().Msg("snimap stopped")
}

func loadRoot() *ca.Root {
	root, err := ca.LoadRootFiles(*flagRootPem, *flagRootCert, *flagRootKey)
	if err == nil {
		return root
	}
	if !*flagGenerateCA || !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("failed to load root CA (use -generate-ca to create one)")
	}
	name, err := ca.ParseDN(*flagDN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse DN")
	}
	root, err = ca.GenerateRoot(name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate root CA")
	}
	if err := root.SaveCombined(*flagRootPem); err != nil {
		log.Fatal().Err(err).Msg("failed to save root CA")
	}
	log.Info().Str("path", *flagRootPem).Str("subject", root.Cert.Subject.String()).Msg("generated root CA")
	return root
}

func newResolver(targets string) resolver.Resolver {
	r, err := resolver.NewList(targets, *flagDialTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid resolver")
	}
	if *flagResolverTTL <= 0 {
		return r
	}
	return resolver.NewCached(r, *flagResolverTTL)
}

func upstreamDialer(rawURL string) proxy.ContextDialer {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "socks5" || u.Host == "" {
		log.Fatal().Str("upstream", rawURL).Msg("upstream proxy must be socks5://host:port")
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		log.Fatal().Err(err).Str("upstream", rawURL).Msg("invalid upstream proxy address")
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := netx.NewSOCKS5Dialer(u.Host, auth)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build upstream dialer")
	}
	return d
}

func varz(policies *policy.Set) any {
	return map[string]any{
		"rules":                policies.Rules(),
		"listen":               *flagListen,
		"admin-addr":           *flagAdminAddr,
		"policy":               *flagPolicy,
		"resolver":             *flagResolver,
		"passthrough-resolver": *flagPassResolver,
		"upstream-proxy":       redact(*flagUpstream),
		"tls-engine":           *flagTLSEngine,
		"verify":               *flagVerify,
		"origin-port":          *flagOriginPort,
		"no-sni-host":          *flagNoSNIHost,
		"leaf-validity":        flagLeafValidity.String(),
		"leaf-cache-size":      *flagLeafCache,
		"idle-timeout":         flagIdleTimeout.String(),
		"hosts-file":           *flagHostsFile,
	}
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}
