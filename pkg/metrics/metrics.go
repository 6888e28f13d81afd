package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the gateway and anchor worker's shared in-process metrics
// store: plain counters and gauges behind a mutex, exposed as JSON and
// as a Prometheus text-exposition page. There is no client-side
// aggregation library in play here deliberately — see DESIGN.md for
// why this stays hand-rolled rather than importing a Prometheus client.
type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	admissionOutcome map[string]int64 // keyed by "ALLOW|<reason>" / "DENY|<reason>"
	anchorOutcome    map[string]int64
	rateLimit        map[string]int64 // keyed by "<bucket>|allowed" / "<bucket>|throttled"
	gauges           map[string]float64
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	AdmissionOutcome map[string]int64        `json:"admission_outcome_total"`
	AnchorOutcome    map[string]int64        `json:"anchor_outcome_total"`
	RateLimit        map[string]int64        `json:"rate_limit_total"`
	Gauges           map[string]float64      `json:"gauges"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		admissionOutcome: map[string]int64{},
		anchorOutcome:    map[string]int64{},
		rateLimit:        map[string]int64{},
		gauges:           map[string]float64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAdmission records one admission decision, keyed by verdict and
// reason code (e.g. "ALLOW|OK", "DENY|KILL_SWITCH").
func (r *Registry) IncAdmission(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.admissionOutcome[key]++
	r.mu.Unlock()
}

// IncAnchorOutcome records one anchor-worker submit attempt outcome
// ("anchored" or "failed").
func (r *Registry) IncAnchorOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.anchorOutcome[outcome]++
	r.mu.Unlock()
}

// IncRateLimit records one rate-limit decision, keyed by bucket
// ("rpc" or "admin") and whether the request was allowed through.
func (r *Registry) IncRateLimit(bucket string, allowed bool) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return
	}
	outcome := "throttled"
	if allowed {
		outcome = "allowed"
	}
	key := bucket + "|" + outcome
	r.mu.Lock()
	r.rateLimit[key]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		AdmissionOutcome: make(map[string]int64, len(r.admissionOutcome)),
		AnchorOutcome:    make(map[string]int64, len(r.anchorOutcome)),
		RateLimit:        make(map[string]int64, len(r.rateLimit)),
		Gauges:           make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.admissionOutcome {
		out.AdmissionOutcome[k] = v
	}
	for k, v := range r.anchorOutcome {
		out.AnchorOutcome[k] = v
	}
	for k, v := range r.rateLimit {
		out.RateLimit[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP aegis_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE aegis_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP aegis_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE aegis_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP aegis_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE aegis_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP aegis_admission_outcome_total admission decisions by verdict and reason\n")
		b.WriteString("# TYPE aegis_admission_outcome_total counter\n")
		for _, key := range SortedKeys(snap.AdmissionOutcome) {
			parts := strings.SplitN(key, "|", 2)
			verdict := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "aegis_admission_outcome_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.AdmissionOutcome[key])
		}
		b.WriteString("# HELP aegis_anchor_outcome_total anchor submit attempts by outcome\n")
		b.WriteString("# TYPE aegis_anchor_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.AnchorOutcome) {
			fmt.Fprintf(b, "aegis_anchor_outcome_total{outcome=%q} %d\n", outcome, snap.AnchorOutcome[outcome])
		}
		b.WriteString("# HELP aegis_rate_limit_total rate-limit decisions by bucket and outcome\n")
		b.WriteString("# TYPE aegis_rate_limit_total counter\n")
		for _, key := range SortedKeys(snap.RateLimit) {
			parts := strings.SplitN(key, "|", 2)
			bucket := parts[0]
			outcome := "unknown"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "aegis_rate_limit_total{bucket=%q,outcome=%q} %d\n", bucket, outcome, snap.RateLimit[key])
		}
		b.WriteString("# HELP aegis_gauge operational gauge metrics (queue depths, facilitator balance/nonce)\n")
		b.WriteString("# TYPE aegis_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "aegis_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP aegis_latency_seconds latency histogram\n")
			b.WriteString("# TYPE aegis_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aegis_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "aegis_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aegis_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "aegis_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "aegis_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
