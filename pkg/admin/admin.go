// Package admin implements the admin HTTP endpoints: health, Prometheus
// metrics, an inflight status page, the running configuration, recent
// sessions and the root certificate.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the session duration buckets in seconds.
var HistogramBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800}

// Metrics counts sessions and leaf issuance. It implements session.Metrics
// and ca.Metrics.
type Metrics struct {
	sync.Mutex

	Sessions      uint64            `json:"sessions_total"`
	Intercepted   uint64            `json:"intercepted_total"`
	PassThrough   uint64            `json:"passthrough_total"`
	Aborted       map[string]uint64 `json:"aborted_total"`
	LeafIssued    uint64            `json:"leaf_issued_total"`
	LeafCacheHits uint64            `json:"leaf_cache_hits_total"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		Aborted:      make(map[string]uint64),
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight session with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight session id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncSessions()     { m.Lock(); m.Sessions++; m.Unlock() }
func (m *Metrics) IncIntercepted()  { m.Lock(); m.Intercepted++; m.Unlock() }
func (m *Metrics) IncPassThrough()  { m.Lock(); m.PassThrough++; m.Unlock() }
func (m *Metrics) IncLeafIssued()   { m.Lock(); m.LeafIssued++; m.Unlock() }
func (m *Metrics) IncLeafCacheHit() { m.Lock(); m.LeafCacheHits++; m.Unlock() }
func (m *Metrics) IncAborted(reason string) {
	m.Lock()
	m.Aborted[reason]++
	m.Unlock()
}

// ObserveDuration records a session duration (in seconds) under an outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// above the last bucket: only +Inf (HistTotal) counts it
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleVarz writes cfg as JSON.
func HandleVarz(w http.ResponseWriter, cfg any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page listing inflight sessions, oldest first.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	type row struct {
		id    string
		start time.Time
	}
	rows := make([]row, 0, len(m.InflightList))
	for k, t := range m.InflightList {
		rows = append(rows, row{k, t})
	}
	inflight := m.Inflight
	m.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].start.Before(rows[j].start) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Session</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, r := range rows {
		age := now.Sub(r.start).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(r.id) + "</td><td>" + r.start.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus text exposition.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	defer m.Unlock()

	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("snimap_sessions_total", "Accepted connections", m.Sessions)
	write("snimap_intercepted_total", "Sessions terminated and re-originated", m.Intercepted)
	write("snimap_passthrough_total", "Sessions relayed untouched", m.PassThrough)
	write("snimap_leaf_issued_total", "Leaf certificates generated", m.LeafIssued)
	write("snimap_leaf_cache_hits_total", "Leaf certificates served from cache", m.LeafCacheHits)

	_, _ = fmt.Fprintf(w, "# HELP snimap_aborted_total Sessions aborted by reason\n")
	_, _ = fmt.Fprintf(w, "# TYPE snimap_aborted_total counter\n")
	for _, reason := range sortedKeys(m.Aborted) {
		_, _ = fmt.Fprintf(w, "snimap_aborted_total{reason=%q} %d\n", reason, m.Aborted[reason])
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "# HELP snimap_inflight_sessions In-flight sessions\n")
	_, _ = fmt.Fprintf(w, "# TYPE snimap_inflight_sessions gauge\n")
	_, _ = fmt.Fprintf(w, "snimap_inflight_sessions %d\n\n", m.Inflight)

	_, _ = fmt.Fprintf(w, "# HELP snimap_session_duration_seconds Session duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE snimap_session_duration_seconds histogram\n")
	for _, outcome := range sortedKeys(m.HistTotal) {
		counts := m.HistCounts[outcome]
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "snimap_session_duration_seconds_bucket{outcome=%q,le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "snimap_session_duration_seconds_bucket{outcome=%q,le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "snimap_session_duration_seconds_sum{outcome=%q} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "snimap_session_duration_seconds_count{outcome=%q} %d\n\n", outcome, total)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
