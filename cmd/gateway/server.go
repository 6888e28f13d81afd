package main

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/pkg/anchor"
	"aegis/pkg/audit"
	"aegis/pkg/chain"
	"aegis/pkg/config"
	"aegis/pkg/events"
	"aegis/pkg/metrics"
	"aegis/pkg/pendingqueue"
	"aegis/pkg/ratelimit"
	"aegis/pkg/reservation"
	"aegis/pkg/store"
	"aegis/pkg/stream"
)

// Server holds every dependency the gateway's handlers close over.
// Constructed once in main and never mutated afterward.
type Server struct {
	Config config.Config

	Chain   *chain.Client
	Redis   *redis.Client
	Cache   store.Cache
	Queue   *pendingqueue.Queue
	Reserve *reservation.Store

	HTTPClient *http.Client

	Metrics   *metrics.Registry
	Events    *stream.Hub
	Publisher *events.Publisher
	Audit     *audit.Writer // nil when DATABASE_URL is not configured

	RateLimiter          ratelimit.Limiter
	RateLimitPerMin      int
	AdminRateLimitPerMin int

	AnchorWorker *anchor.Worker
}

func (s *Server) upstreamTimeout() time.Duration {
	return 5 * time.Second
}
