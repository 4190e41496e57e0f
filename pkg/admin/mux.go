package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Options wires the admin endpoints to the running proxy.
type Options struct {
	Metrics *Metrics
	Capture *CaptureStore
	// Varz returns the configuration shown at /varz.
	Varz func() any
	// CertPEM is served at /cert for installing into trust stores.
	CertPEM []byte
	// Leaves exposes the forged leaf cache at /leaves.
	Leaves LeafCache
}

// LeafCache is the view of the leaf cache the admin endpoint needs;
// *ca.Authority implements it.
type LeafCache interface {
	CachedLeaves() int
	Flush()
}

// NewMux returns the admin handler set.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HandleHealth)
	if opts.Metrics != nil {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) { HandleMetrics(w, opts.Metrics) })
		mux.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, opts.Metrics) })
	}
	if opts.Varz != nil {
		mux.HandleFunc("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, opts.Varz()) })
	}
	if opts.Capture != nil {
		mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) { HandleSessions(w, r, opts.Capture) })
	}
	if len(opts.CertPEM) > 0 {
		mux.HandleFunc("/cert", func(w http.ResponseWriter, _ *http.Request) { HandleCert(w, opts.CertPEM) })
	}
	if opts.Leaves != nil {
		mux.HandleFunc("/leaves", func(w http.ResponseWriter, r *http.Request) { HandleLeaves(w, r, opts.Leaves) })
	}
	return mux
}

// HandleLeaves reports the cached leaf count; DELETE drops every cached
// leaf so the next session reissues.
func HandleLeaves(w http.ResponseWriter, r *http.Request, c LeafCache) {
	if r.Method == http.MethodDelete {
		c.Flush()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"cached": c.CachedLeaves()})
}

// HandleSessions writes recent session records as JSON, newest first.
// ?limit=N caps the list; DELETE clears the store.
func HandleSessions(w http.ResponseWriter, r *http.Request, c *CaptureStore) {
	if r.Method == http.MethodDelete {
		c.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	list := c.List()
	slices.Reverse(list)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(list) {
			list = list[:n]
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleCert serves the root certificate PEM as a download.
func HandleCert(w http.ResponseWriter, pemBytes []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="snimap-root.pem"`)
	_, _ = w.Write(pemBytes)
}

// Serve binds addr and serves h in the background. Bind failures are
// returned before anything is served; later serve errors are logged.
func Serve(addr string, h http.Handler) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("admin HTTP failed")
		}
	}()
	return srv, ln.Addr().String(), nil
}
