package main

import (
	"net/http"
	"strings"
	"time"

	"aegis/pkg/httpx"
	"aegis/pkg/ratelimit"
)

// statusRecorder captures the status code a handler wrote, so the
// metrics middleware can observe it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path != "/rpc" {
			s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
		}
	})
}

// rateLimitMiddleware throttles two surfaces independently. /rpc is
// keyed per (user, agent) identity, on top of the policy pipeline's own
// admission logic — it protects the upstream and the ledger from a
// single caller's burst, independent of whether any individual request
// would be admitted. /admin/* is keyed by remote address instead: an
// admin caller has no on-chain identity, only a bearer token, and a
// compromised or leaked token shouldn't be able to hammer the anchor
// trigger or decision history past a much lower ceiling than /rpc
// traffic ever sees. The two buckets never share a counter, so a flood
// against one can't exhaust the other's budget.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		var (
			bucket string
			key    string
			limit  int
		)
		switch {
		case r.URL.Path == "/rpc":
			bucket = ratelimit.BucketRPC
			key = strings.TrimSpace(r.Header.Get("x-aegis-user")) + ":" + strings.TrimSpace(r.Header.Get("x-aegis-agent"))
			if key == ":" {
				key = r.RemoteAddr
			}
			limit = s.RateLimitPerMin
		case strings.HasPrefix(r.URL.Path, "/admin/"):
			bucket = ratelimit.BucketAdmin
			key = r.RemoteAddr
			limit = s.AdminRateLimitPerMin
		default:
			next.ServeHTTP(w, r)
			return
		}
		decision := s.RateLimiter.Allow(bucket, key, limit)
		if s.Metrics != nil {
			s.Metrics.IncRateLimit(bucket, decision.Allowed)
		}
		if !decision.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
