// Package main is the entrypoint for the l4relay TCP/UDP relay. It loads
// a configuration snapshot, starts the metrics HTTP server, applies the
// snapshot to the Service Manager, starts the health HTTP server, and
// waits for a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/l4relay/internal/config"
	"github.com/joao-brasil/l4relay/internal/health"
	"github.com/joao-brasil/l4relay/internal/resolver"
	"github.com/joao-brasil/l4relay/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	configPath  = flag.String("config", "configs/relay.yaml", "Path to the relay configuration file")
	metricsPort = flag.Int("metrics-port", 9090, "Port for the Prometheus /metrics endpoint")
	healthPort  = flag.Int("health-port", 9000, "Port for the /health, /health/ready, /health/live, /services endpoints")
	redisAddr   = flag.String("redis-addr", "", "Optional Redis address for a shared DNS cache across relay instances; empty disables it")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting l4relay")

	// ─── Load Configuration ───────────────────────────────────────────
	snap, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d services", len(snap.Services))
	for _, svc := range snap.Services {
		log.Printf("[main]   %s: %s listen=%s backends=%d cooldown=%ds",
			svc.Name, svc.Protocol, svc.ListenAddr(), len(svc.Backends), svc.BackendCooldown)
	}

	// ─── Metrics HTTP server ───────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *metricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", *metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── DNS Resolver and background refresher ────────────────────────
	var resolverOpts []resolver.Option
	var sharedCache *resolver.RedisSharedCache
	if *redisAddr != "" {
		log.Printf("[main] Connecting shared DNS cache to Redis at %s", *redisAddr)
		sharedCache = resolver.NewRedisSharedCache(context.Background(), &redis.Options{Addr: *redisAddr})
		resolverOpts = append(resolverOpts, resolver.WithSharedCache(sharedCache))
	}
	r := resolver.New(resolverOpts...)
	refresher := resolver.NewRefresher(r)
	refresher.Start()
	defer refresher.Stop()
	if sharedCache != nil {
		defer sharedCache.Close()
	}

	// ─── Service Manager ───────────────────────────────────────────────
	mgr := service.New(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Apply(ctx, *snap); err != nil {
		log.Printf("[main] WARNING: one or more services failed to start: %v", err)
		if len(mgr.Snapshots()) == 0 && len(snap.Services) > 0 {
			log.Fatalf("[main] every configured service failed to start, exiting")
		}
	}

	// ─── Health HTTP server ─────────────────────────────────────────────
	healthServer := health.NewServer(fmt.Sprintf(":%d", *healthPort), mgr)
	healthServer.Start()

	// ─── Wait for shutdown signal ───────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] Received signal %s, shutting down gracefully", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := mgr.Apply(shutdownCtx, config.Snapshot{}); err != nil {
		log.Printf("[main] WARNING: error during shutdown reconciliation: %v", err)
	}
	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Printf("[main] WARNING: error stopping health server: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] WARNING: error stopping metrics server: %v", err)
	}

	log.Println("[main] Shutdown complete")
}
