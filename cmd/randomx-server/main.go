// Command randomx-server serves RandomX hashing over ZeroMQ and Arrow IPC.
//
// SIGHUP reloads the configuration file and rekeys the hasher when the
// seed changed; SIGINT and SIGTERM stop the server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/VanDung-dev/RandomX-Engine/api"
	"github.com/VanDung-dev/RandomX-Engine/config"
	"github.com/VanDung-dev/RandomX-Engine/engine"
	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
	"github.com/VanDung-dev/RandomX-Engine/network"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.FromConfig(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	seed, err := cfg.Seed()
	if err != nil {
		log.Fatalf("Invalid key: %v", err)
	}
	hasherCfg, err := cfg.HasherConfig()
	if err != nil {
		log.Fatalf("Invalid hasher config: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewMetrics(cfg.Metrics.Namespace, reg)

	var metricsServer *api.MetricsServer
	if cfg.Metrics.Addr != "" {
		metricsServer = api.NewMetricsServer(cfg.Metrics.Addr, reg)
		metricsServer.StartAsync()
		log.Printf("Metrics on %s", cfg.Metrics.Addr)
	}

	log.Printf("Initializing hasher (full memory: %v, flags: %s)...", hasherCfg.FullMemory, hasherCfg.Flags)
	ctx := context.Background()
	hasher, err := engine.NewHasher(ctx, seed, hasherCfg, engine.WithLogger(logger), engine.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("Failed to create hasher: %v", err)
	}

	auth, err := api.NewAuthenticator(api.AuthConfig{Enabled: cfg.Auth.Enabled, Token: cfg.Auth.Token})
	if err != nil {
		log.Fatalf("Failed to configure auth: %v", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		log.Printf("Generated auth token: %s", auth.Token())
	}

	var zmqService *network.HashService
	if cfg.ZMQ.Endpoint != "" {
		zmqService = network.NewHashService(hasher, auth, network.ServiceConfig{
			Endpoint:     cfg.ZMQ.Endpoint,
			RateLimit:    cfg.ZMQ.RateLimit,
			Burst:        cfg.ZMQ.Burst,
			ReplayWindow: cfg.ZMQ.ReplayWindow,
			MaxInputs:    cfg.ZMQ.MaxInputs,
		}, metrics, logger)
		if err := zmqService.Start(); err != nil {
			log.Fatalf("Failed to start ZMQ service: %v", err)
		}
		log.Printf("ZMQ service on %s", cfg.ZMQ.Endpoint)
	}

	var arrowServer *api.ArrowServer
	if cfg.Arrow.Addr != "" {
		handler := api.NewArrowHandler(hasher, auth, cfg.Arrow.MaxBatch, metrics, logger)
		arrowServer = api.NewArrowServer(handler, api.ArrowServerConfig{
			RateLimit: cfg.Arrow.RateLimit,
			Burst:     cfg.Arrow.Burst,
		}, logger)
		if err := arrowServer.StartAsync(cfg.Arrow.Addr); err != nil {
			log.Fatalf("Failed to start Arrow server: %v", err)
		}
		log.Printf("Arrow server on %s", cfg.Arrow.Addr)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		reload(ctx, *configPath, hasher, auth)
	}

	log.Println("Shutting down server...")
	if arrowServer != nil {
		arrowServer.Stop()
	}
	if zmqService != nil {
		zmqService.Stop()
	}
	if err := hasher.Close(); err != nil {
		log.Printf("Hasher close: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			log.Printf("Metrics server stop: %v", err)
		}
	}
	log.Println("Server stopped.")
}

// reload rekeys the hasher and rotates the auth token from a fresh copy
// of the configuration. Other settings need a restart.
func reload(ctx context.Context, path string, hasher *engine.Hasher, auth *api.Authenticator) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("Reload failed: %v", err)
		return
	}
	seed, err := cfg.Seed()
	if err != nil {
		log.Printf("Reload failed: %v", err)
		return
	}
	if err := hasher.Rekey(ctx, seed); err != nil {
		log.Printf("Rekey failed: %v", err)
		return
	}
	if cfg.Auth.Token != "" {
		auth.SetToken(cfg.Auth.Token)
	}
	log.Printf("Reloaded, seed %s", hasher.SeedID())
}
