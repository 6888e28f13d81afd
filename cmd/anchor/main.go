// Command anchor runs the periodic anchoring worker standalone, for
// deployments that want the anchor pass isolated from the gateway's
// request-serving process. It shares pkg/anchor with the gateway's
// one-shot /admin/anchor/run trigger; the singleton lock in Redis
// keeps the two from double-anchoring if both are run together.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"aegis/pkg/anchor"
	"aegis/pkg/chain"
	"aegis/pkg/config"
	"aegis/pkg/metrics"
	"aegis/pkg/pendingqueue"
	"aegis/pkg/store"
	"aegis/pkg/telemetry"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg.RequiredForAnchor()); err != nil {
		log.Fatalf("anchor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceName := cfg.ServiceName
	if serviceName == "aegis-gateway" {
		serviceName = "aegis-anchor"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		log.Printf("anchor: telemetry init failed (continuing without tracing): %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(context.Background())

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Fatalf("anchor: redis: %v", err)
	}
	defer redisClient.Close()

	cache := store.NewCache(ctx, redisClient, cfg.CacheNamespace)

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, common.HexToAddress(cfg.RegistryAddress), cfg.FacilitatorKeyHex)
	if err != nil {
		log.Fatalf("anchor: chain dial: %v", err)
	}
	defer chainClient.Close()

	queue := pendingqueue.New(redisClient, cache)
	reg := metrics.NewRegistry()
	worker := anchor.New(queue, chainClient, redisClient, reg, anchor.Config{
		Mode:         cfg.AnchorMode,
		EpochSeconds: cfg.AnchorEpochSeconds,
		BatchSize:    cfg.AnchorBatchSize,
	})

	if cfg.AnchorMode == anchor.ModeOneShot {
		log.Printf("anchor: running a single capped pass (batch=%d) and exiting", cfg.AnchorBatchSize)
		result, err := worker.RunOnce(ctx)
		if err != nil {
			log.Fatalf("anchor: one-shot pass failed: %v", err)
		}
		log.Printf("anchor: one-shot pass complete scanned=%d processed=%d", result.Scanned, result.Processed)
		return
	}

	log.Printf("anchor: starting continuous worker epoch=%ds batch=%d", cfg.AnchorEpochSeconds, cfg.AnchorBatchSize)
	worker.RunForever(ctx)
	log.Print("anchor: shut down")
}
