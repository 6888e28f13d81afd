// Command gateway runs the firewall's RPC data plane: it intercepts
// value-bearing send-transaction/send-raw-transaction calls, enforces
// the on-chain policy plus the off-chain daily reservation, forwards
// approved calls upstream, and exposes the admin surface (health,
// policy inspection, one-shot anchor trigger, decision history, and a
// live event stream).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"aegis/pkg/anchor"
	"aegis/pkg/audit"
	"aegis/pkg/chain"
	"aegis/pkg/config"
	"aegis/pkg/events"
	"aegis/pkg/hardening"
	"aegis/pkg/httpx"
	"aegis/pkg/metrics"
	"aegis/pkg/pendingqueue"
	"aegis/pkg/ratelimit"
	"aegis/pkg/reservation"
	"aegis/pkg/store"
	"aegis/pkg/stream"
	"aegis/pkg/telemetry"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg.RequiredForGateway()); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            cfg.ServiceName,
		Environment:        os.Getenv("ENVIRONMENT"),
		StrictProdSecurity: os.Getenv("STRICT_PROD_SECURITY"),
		DatabaseRequireTLS: os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:          cfg.RedisAddr,
		RedisRequireTLS:    os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:   os.Getenv("REDIS_TLS_INSECURE"),
		CORSAllowedOrigins: os.Getenv("CORS_ALLOWED_ORIGINS"),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "ADMIN_BEARER_TOKEN", Value: cfg.AdminBearerToken},
		},
	}); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.ServiceName)
	if err != nil {
		log.Printf("gateway: telemetry init failed (continuing without tracing): %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(context.Background())

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Fatalf("gateway: redis: %v", err)
	}
	defer redisClient.Close()

	cache := store.NewCache(ctx, redisClient, cfg.CacheNamespace)

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, common.HexToAddress(cfg.RegistryAddress), cfg.FacilitatorKeyHex)
	if err != nil {
		log.Fatalf("gateway: chain dial: %v", err)
	}
	defer chainClient.Close()

	var auditWriter *audit.Writer
	if cfg.DatabaseURL != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			log.Fatalf("gateway: postgres: %v", err)
		}
		defer pool.Close()
		auditWriter = &audit.Writer{DB: pool, Redact: true, HashSalt: []byte(os.Getenv("AUDIT_HASH_SALT"))}
	}

	publisher, err := events.NewPublisher(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	if err != nil {
		log.Fatalf("gateway: kafka publisher: %v", err)
	}
	if publisher != nil {
		defer publisher.Close()
	}

	queue := pendingqueue.New(redisClient, cache)
	reserve := reservation.New(redisClient)
	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	worker := anchor.New(queue, chainClient, redisClient, reg, anchor.Config{
		Mode:         cfg.AnchorMode,
		EpochSeconds: cfg.AnchorEpochSeconds,
		BatchSize:    cfg.AnchorBatchSize,
	})

	srv := &Server{
		Config:  cfg,
		Chain:   chainClient,
		Redis:   redisClient,
		Cache:   cache,
		Queue:   queue,
		Reserve: reserve,

		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}),

		Metrics:   reg,
		Events:    hub,
		Publisher: publisher,
		Audit:     auditWriter,

		RateLimiter:          ratelimit.NewRedis(redisClient, time.Minute),
		RateLimitPerMin:      600,
		AdminRateLimitPerMin: 120,

		AnchorWorker: worker,
	}

	if cfg.AnchorMode == anchor.ModeOneShot {
		log.Printf("gateway: anchor worker in one-shot mode, not starting the background loop; drive it via /admin/anchor/run")
	} else {
		go worker.RunForever(ctx)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(os.Getenv("CORS_ALLOWED_ORIGINS")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(srv.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))
	r.Use(srv.rateLimitMiddleware)

	r.Post("/rpc", srv.handleRPC)
	r.Get("/healthz", srv.handleHealth)
	r.Get("/admin/policy", srv.handlePolicy)
	r.Post("/admin/anchor/run", srv.handleAnchorRun)
	r.Get("/admin/decisions", srv.handleDecisions)
	r.Get("/admin/anchor/attempts", srv.handleAnchorAttempts)
	r.Get("/admin/stream", srv.handleStream)
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("gateway: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
